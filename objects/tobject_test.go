package objects

import (
	"bytes"
	"crypto"
	"testing"

	"github.com/miekg/pkcs11"
)

// fakeModule is a minimal TrustModule for tests of this package.
type fakeModule struct {
	nextHandle uint
	loaded     map[uint]bool
	failLoad   bool
}

func newFakeModule() *fakeModule {
	return &fakeModule{loaded: make(map[uint]bool)}
}

func (m *fakeModule) Load(pub, priv, parent []byte) (uint, []byte, error) {
	if m.failLoad {
		return 0, nil, NewError("fakeModule.Load", "load failed", pkcs11.CKR_DEVICE_ERROR)
	}
	m.nextHandle++
	m.loaded[m.nextHandle] = true
	return m.nextHandle, []byte("serialized"), nil
}

func (m *fakeModule) Unload(handle uint) error {
	if !m.loaded[handle] {
		return NewError("fakeModule.Unload", "handle not loaded", pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	delete(m.loaded, handle)
	return nil
}

func (m *fakeModule) Import(name string, secret []byte) ([]byte, []byte, error) {
	return []byte("pub-" + name), []byte("priv-" + name), nil
}

func (m *fakeModule) IsMechanismSupported(tobj *TokenObject, mech *Mechanism) error {
	if mech.Type != pkcs11.CKM_SHA256 {
		return NewError("fakeModule.IsMechanismSupported", "mechanism not supported", pkcs11.CKR_MECHANISM_INVALID)
	}
	return nil
}

func (m *fakeModule) MinBufferSize(tobj *TokenObject, mech *Mechanism) (int, error) {
	return 32, nil
}

func TestTokenObject_SetBlobData(t *testing.T) {
	tobj := NewTokenObject()
	if err := tobj.SetBlobData(nil, nil); ErrorCode(err) != pkcs11.CKR_ARGUMENTS_BAD {
		t.Errorf("nil public blob should be rejected, got %v", err)
	}

	pub := []byte("B1")
	priv := []byte("P1")
	if err := tobj.SetBlobData(pub, priv); err != nil {
		t.Fatal(err)
	}
	pub[0] = 'X'
	priv[0] = 'X'
	if string(tobj.Pub) != "B1" || string(tobj.Priv) != "P1" {
		t.Errorf("blobs share storage with the caller's buffers")
	}

	// convenience copies stay consistent with the attribute entries
	pubAttr, err := tobj.Attributes.GetAttributeByType(AttrTypeModulePub)
	if err != nil || !bytes.Equal(pubAttr.Value, tobj.Pub) {
		t.Errorf("public blob attribute out of sync: %v %v", pubAttr, err)
	}
	privAttr, err := tobj.Attributes.GetAttributeByType(AttrTypeModulePriv)
	if err != nil || !bytes.Equal(privAttr.Value, tobj.Priv) {
		t.Errorf("private blob attribute out of sync: %v %v", privAttr, err)
	}
}

func TestTokenObject_PublicOnlyBlob(t *testing.T) {
	tobj := NewTokenObject()
	if err := tobj.SetBlobData([]byte("B1"), nil); err != nil {
		t.Fatal(err)
	}
	if tobj.Priv != nil {
		t.Errorf("private blob should stay absent")
	}
	if _, err := tobj.Attributes.GetAttributeByType(AttrTypeModulePriv); err == nil {
		t.Errorf("private blob attribute should stay absent")
	}
}

func TestTokenObject_AuthLifecycle(t *testing.T) {
	tobj := NewTokenObject()
	if err := tobj.SetAuth([]byte("pw"), []byte("W(pw)")); err != nil {
		t.Fatal(err)
	}
	if !tobj.IsAuthenticated() {
		t.Errorf("object with an unsealed auth value should be authenticated")
	}
	if string(tobj.ObjAuth) != "W(pw)" {
		t.Errorf("wrapped auth not stored: %q", tobj.ObjAuth)
	}

	unsealed := tobj.UnsealedAuth
	tobj.Unauthenticate()
	if tobj.IsAuthenticated() {
		t.Errorf("object should not stay authenticated after Unauthenticate")
	}
	for _, b := range unsealed {
		if b != 0 {
			t.Fatalf("unsealed auth was not erased")
		}
	}
}

func TestTokenObject_UsageTracking(t *testing.T) {
	tobj := NewTokenObject()

	if err := tobj.UserIncrement(); err != nil {
		t.Fatal(err)
	}
	if err := tobj.UserIncrement(); err != nil {
		t.Fatal(err)
	}
	if got := tobj.ActiveUsers(); got != 2 {
		t.Errorf("expected 2 active users, got %d", got)
	}
	if err := tobj.UserDecrement(); err != nil {
		t.Fatal(err)
	}
	if err := tobj.UserDecrement(); err != nil {
		t.Fatal(err)
	}

	// decrementing below zero is a contract violation and leaves the count at zero
	err := tobj.UserDecrement()
	if ErrorCode(err) != pkcs11.CKR_GENERAL_ERROR {
		t.Fatalf("expected CKR_GENERAL_ERROR, got %v", err)
	}
	tcbErr := err.(*TcbError)
	if tcbErr.Fault == nil || tcbErr.Fault.Op != "UserDecrement" {
		t.Errorf("expected a UsageFault record, got %+v", tcbErr.Fault)
	}
	if got := tobj.ActiveUsers(); got != 0 {
		t.Errorf("usage count went below zero: %d", got)
	}
}

func TestTokenObject_UsageNilObject(t *testing.T) {
	var tobj *TokenObject
	if ErrorCode(tobj.UserIncrement()) != pkcs11.CKR_GENERAL_ERROR {
		t.Errorf("increment on nil object should fail with CKR_GENERAL_ERROR")
	}
	if ErrorCode(tobj.UserDecrement()) != pkcs11.CKR_GENERAL_ERROR {
		t.Errorf("decrement on nil object should fail with CKR_GENERAL_ERROR")
	}
}

func TestTokenObject_LoadUnload(t *testing.T) {
	module := newFakeModule()
	tobj := NewTokenObject()
	if err := tobj.SetBlobData([]byte("B1"), []byte("P1")); err != nil {
		t.Fatal(err)
	}

	handle, err := tobj.Load(module, []byte("parent"))
	if err != nil {
		t.Fatal(err)
	}
	if handle == 0 || tobj.LoadedHandle != handle {
		t.Errorf("loaded handle not cached: %d vs %d", handle, tobj.LoadedHandle)
	}
	if len(tobj.SerializedCtx) == 0 {
		t.Errorf("serialized context not stored")
	}

	// a second load returns the cached handle without touching the module
	again, err := tobj.Load(module, []byte("parent"))
	if err != nil || again != handle {
		t.Errorf("reload returned a different handle: %d err=%v", again, err)
	}

	if err := tobj.Unload(module); err != nil {
		t.Fatal(err)
	}
	if tobj.LoadedHandle != 0 {
		t.Errorf("loaded handle should be cleared after unload")
	}
	if len(tobj.SerializedCtx) == 0 {
		t.Errorf("serialized context should survive unload")
	}
	// unloading an unloaded object is a no-op
	if err := tobj.Unload(module); err != nil {
		t.Errorf("unload of unloaded object should succeed: %v", err)
	}
}

func TestTokenObject_LinkFollowing(t *testing.T) {
	token, err := NewToken("LinkToken", "1234", "5678")
	if err != nil {
		t.Fatal(err)
	}

	target := NewTokenObject()
	target.Attributes.Set(&Attribute{pkcs11.CKA_LABEL, []byte("public half")})
	token.AddObject(target)

	link := NewTokenObject()
	link.Attributes.Set(&Attribute{pkcs11.CKA_LABEL, []byte("link half")})
	link.LinkTarget = target.Id
	token.AddObject(link)

	label, err := link.Attrs().GetAttributeByType(pkcs11.CKA_LABEL)
	if err != nil {
		t.Fatal(err)
	}
	if string(label.Value) != "public half" {
		t.Errorf("link object answered with its own attributes: %q", label.Value)
	}

	// a standalone object answers with its own attributes
	own, err := target.Attrs().GetAttributeByType(pkcs11.CKA_LABEL)
	if err != nil || string(own.Value) != "public half" {
		t.Errorf("standalone object resolution broken: %v %v", own, err)
	}
}

func TestMechanism_CapabilityQueries(t *testing.T) {
	module := newFakeModule()
	tobj := NewTokenObject()

	supported := &Mechanism{Type: pkcs11.CKM_SHA256}
	if err := supported.IsSupported(module, tobj); err != nil {
		t.Errorf("expected mechanism to be supported: %v", err)
	}
	unsupported := &Mechanism{Type: pkcs11.CKM_MD5}
	if ErrorCode(unsupported.IsSupported(module, tobj)) != pkcs11.CKR_MECHANISM_INVALID {
		t.Errorf("expected CKR_MECHANISM_INVALID")
	}
	size, err := supported.MinBufferSize(module, tobj)
	if err != nil || size != 32 {
		t.Errorf("min buffer size: %d err=%v", size, err)
	}
}

func TestMechanism_GetHashType(t *testing.T) {
	cases := []struct {
		name     string
		mechType uint
		want     crypto.Hash
	}{
		{"raw rsa", pkcs11.CKM_RSA_PKCS, crypto.Hash(0)},
		{"md5", pkcs11.CKM_MD5, crypto.MD5},
		{"sha1 with rsa", pkcs11.CKM_SHA1_RSA_PKCS, crypto.SHA1},
		{"sha256", pkcs11.CKM_SHA256, crypto.SHA256},
		{"sha256 pss", pkcs11.CKM_SHA256_RSA_PKCS_PSS, crypto.SHA256},
		{"sha384 with rsa", pkcs11.CKM_SHA384_RSA_PKCS, crypto.SHA384},
		{"sha512", pkcs11.CKM_SHA512, crypto.SHA512},
	}
	for _, c := range cases {
		mechanism := &Mechanism{Type: c.mechType}
		got, err := mechanism.GetHashType()
		if err != nil || got != c.want {
			t.Errorf("%s: got %v err=%v, want %v", c.name, got, err, c.want)
		}
	}

	unhashable := &Mechanism{Type: pkcs11.CKM_AES_CBC}
	if _, err := unhashable.GetHashType(); ErrorCode(err) != pkcs11.CKR_MECHANISM_INVALID {
		t.Errorf("expected CKR_MECHANISM_INVALID, got %v", err)
	}
}
