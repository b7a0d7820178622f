package main

import (
	"bytes"
	"strings"
	"testing"

	"homecare-backend/internal/models"
	"homecare-backend/internal/utils"
)

func TestGenerateToken(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--user", "d1", "--role", "doctor", "--secret", "s", "--ttl", "1h"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	claims, err := utils.ValidateToken("s", strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("token must be valid: %v", err)
	}
	if claims.UserID != "d1" || claims.Role != models.RoleDoctor {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestGenerateToken_UnknownRole(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--user", "u", "--role", "admin", "--secret", "s"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for unknown role")
	}
}
