package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/AfshinJalili/rewardledger/libs/apikey"
)

func TestRequireNonProd(t *testing.T) {
	for _, env := range []string{"dev", "test"} {
		if err := requireNonProd(env); err != nil {
			t.Fatalf("%s: unexpected error %v", env, err)
		}
	}
	if err := requireNonProd("prod"); err == nil {
		t.Fatal("expected prod to be refused")
	}
}

func TestAPIKeyCommandPrintsVerifiableKey(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"apikey", "--operator", "ops", "--env", "test"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var key, entry string
	for _, line := range strings.Split(out.String(), "\n") {
		switch {
		case strings.HasPrefix(line, "key:"):
			key = strings.TrimSpace(strings.TrimPrefix(line, "key:"))
		case strings.HasPrefix(line, "config:"):
			entry = strings.TrimSpace(strings.TrimPrefix(line, "config:"))
		}
	}
	operator, hash, ok := strings.Cut(entry, ":")
	if !ok || operator != "ops" {
		t.Fatalf("unexpected config line %q", entry)
	}
	if _, err := apikey.Match(key, []apikey.Record{{ID: "ops", Operator: "ops", KeyHash: hash}}, "127.0.0.1"); err != nil {
		t.Fatalf("generated key does not match its hash: %v", err)
	}
}
