package vault

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}
	plain := []byte(`{"email":"a@b.c"}`)
	sealed, err := c.Seal(plain)
	if err != nil {
		t.Fatal(err)
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if string(opened) != string(plain) {
		t.Errorf("round trip = %q, want %q", opened, plain)
	}
}

func TestCipherRejectsBadKey(t *testing.T) {
	if _, err := NewCipher("deadbeef"); err == nil {
		t.Error("short key accepted")
	}
	if _, err := NewCipher("not hex at all"); err == nil {
		t.Error("non-hex key accepted")
	}
}

func TestCipherRejectsTamperedBlob(t *testing.T) {
	c, _ := NewCipher(testKey)
	sealed, _ := c.Seal([]byte("secret"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Open(sealed); err == nil {
		t.Error("tampered ciphertext decrypted")
	}
}

func TestVaultFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	v, err := New(testKey, path)
	if err != nil {
		t.Fatal(err)
	}

	want := &Credential{Alias: "family card", Email: "asha@example.com", Password: "hunter2", CVV: "123"}
	if err := v.Put("cred-1", want); err != nil {
		t.Fatal(err)
	}

	got, err := v.Fetch("cred-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != want.Email || got.CVV != want.CVV {
		t.Errorf("fetched credential = %+v", got)
	}

	if _, err := v.Fetch("missing"); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("missing credential error = %v", err)
	}
}

func TestVaultStoresNoPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	v, _ := New(testKey, path)
	if err := v.Put("cred-1", &Credential{Email: "asha@example.com", Password: "hunter2"}); err != nil {
		t.Fatal(err)
	}
	data, err := readFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"asha@example.com", "hunter2"} {
		if strings.Contains(data, secret) {
			t.Errorf("plaintext %q present in blob file", secret)
		}
	}
}

func readFile(path string) (string, error) {
	v := &Vault{path: path}
	blobs, err := v.readBlobs()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for id, blob := range blobs {
		sb.WriteString(id)
		sb.WriteString(blob)
	}
	return sb.String(), nil
}
