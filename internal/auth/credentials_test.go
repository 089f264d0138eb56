package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCredentialsFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")

	saved := Credentials{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Date(2031, 5, 1, 12, 0, 0, 0, time.UTC),
		ProfileArn:   "arn:aws:codewhisperer:us-east-1:123:profile/x",
		Region:       "us-east-1",
	}
	if err := SaveCredentialsFile(path, saved); err != nil {
		t.Fatalf("SaveCredentialsFile() error = %v", err)
	}

	loaded, err := LoadCredentialsFile(path)
	if err != nil {
		t.Fatalf("LoadCredentialsFile() error = %v", err)
	}
	if loaded != saved {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", loaded, saved)
	}
}

func TestSaveCredentialsFile_NoTempLeftover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")

	if err := SaveCredentialsFile(path, Credentials{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("SaveCredentialsFile() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".kiro-creds-") {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("credentials file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadCredentialsFile_MissingRefreshToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	if err := os.WriteFile(path, []byte(`{"accessToken":"only"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadCredentialsFile(path); err == nil {
		t.Error("expected error for credentials without refreshToken")
	}
}
