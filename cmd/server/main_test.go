package main

import (
	"testing"

	"settlepos/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", ManagerPIN: "739154"})
	if err == nil {
		t.Fatalf("expected short auth secret to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ManagerPIN: "739154"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidatePINStrength(t *testing.T) {
	cases := map[string]bool{
		"123456": false,
		"987654": false,
		"444444": false,
		"112233": false,
		"739154": true,
		"240617": true,
	}
	for pin, ok := range cases {
		err := validatePINStrength(pin)
		if ok && err != nil {
			t.Fatalf("expected %s to pass, got %v", pin, err)
		}
		if !ok && err == nil {
			t.Fatalf("expected %s to be rejected", pin)
		}
	}
}
