package main

import (
	"testing"

	"agrivetpos/backend/internal/config"
)

func TestValidateSecurityConfigRejectsShortSecret(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", NotifyBackend: "none"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigChecksNotifyBackend(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	if err := validateSecurityConfig(config.Config{AuthSecret: secret, NotifyBackend: "kafka"}); err == nil {
		t.Fatalf("expected unknown notify backend to be rejected")
	}
	if err := validateSecurityConfig(config.Config{AuthSecret: secret, NotifyBackend: "pubsub"}); err == nil {
		t.Fatalf("expected pubsub without a project to be rejected")
	}
}
