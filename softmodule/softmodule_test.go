package softmodule

import (
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/trustmod/tokencore/objects"
)

func TestSoftModule_LoadUnload(t *testing.T) {
	module := New()

	handle, serialized, err := module.Load([]byte("pub"), []byte("priv"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if handle == 0 || len(serialized) == 0 {
		t.Fatalf("bad load result: %d %q", handle, serialized)
	}
	if module.LoadedCount() != 1 {
		t.Errorf("expected 1 loaded handle")
	}

	if err := module.Unload(handle); err != nil {
		t.Fatal(err)
	}
	if module.LoadedCount() != 0 {
		t.Errorf("expected 0 loaded handles")
	}
	if err := module.Unload(handle); objects.ErrorCode(err) != pkcs11.CKR_KEY_HANDLE_INVALID {
		t.Errorf("expected CKR_KEY_HANDLE_INVALID, got %v", err)
	}
}

func TestSoftModule_LoadRequiresPub(t *testing.T) {
	module := New()
	if _, _, err := module.Load(nil, nil, nil); objects.ErrorCode(err) != pkcs11.CKR_ARGUMENTS_BAD {
		t.Errorf("expected CKR_ARGUMENTS_BAD, got %v", err)
	}
}

func TestSoftModule_Import(t *testing.T) {
	module := New()
	pub, priv, err := module.Import("key-1", []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if len(pub) == 0 || len(priv) == 0 {
		t.Errorf("import returned empty blobs")
	}
	if _, _, err := module.Import("", nil); objects.ErrorCode(err) != pkcs11.CKR_ARGUMENTS_BAD {
		t.Errorf("expected CKR_ARGUMENTS_BAD for empty name, got %v", err)
	}
}

func TestSoftModule_Mechanisms(t *testing.T) {
	module := New()
	tobj := objects.NewTokenObject()
	if err := tobj.SetBlobData([]byte("0123456789"), nil); err != nil {
		t.Fatal(err)
	}

	ok := &objects.Mechanism{Type: pkcs11.CKM_SHA256}
	if err := module.IsMechanismSupported(tobj, ok); err != nil {
		t.Errorf("expected mechanism to be supported: %v", err)
	}
	bad := &objects.Mechanism{Type: pkcs11.CKM_MD5}
	if err := module.IsMechanismSupported(tobj, bad); objects.ErrorCode(err) != pkcs11.CKR_MECHANISM_INVALID {
		t.Errorf("expected CKR_MECHANISM_INVALID, got %v", err)
	}

	size, err := module.MinBufferSize(tobj, ok)
	if err != nil || size != len(tobj.Pub) {
		t.Errorf("min buffer size: %d err=%v", size, err)
	}
}
