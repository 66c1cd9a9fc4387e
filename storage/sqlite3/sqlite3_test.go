package sqlite3

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/pkcs11"

	"github.com/trustmod/tokencore/objects"
)

func newTestDB(t *testing.T) objects.TokenStorage {
	t.Helper()
	dir, err := ioutil.TempDir("", "tokencore-sqlite3")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := GetDatabase(filepath.Join(dir, "token.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.CloseStorage() })
	if err := db.InitStorage(); err != nil {
		t.Fatal(err)
	}
	return db
}

func newStoredToken(t *testing.T) *objects.Token {
	t.Helper()
	token, err := objects.NewToken("StoredToken", "1234", "5678")
	if err != nil {
		t.Fatal(err)
	}

	first := objects.NewTokenObject()
	first.Attributes.Set(&objects.Attribute{Type: pkcs11.CKA_CLASS, Value: []byte{byte(pkcs11.CKO_SECRET_KEY)}})
	first.Attributes.Set(&objects.Attribute{Type: pkcs11.CKA_LABEL, Value: []byte("k1")})
	if err := first.SetBlobData([]byte("B1"), []byte("P1")); err != nil {
		t.Fatal(err)
	}
	if err := first.SetAuth([]byte("pw"), []byte("W(pw)")); err != nil {
		t.Fatal(err)
	}
	token.AddObject(first)

	second := objects.NewTokenObject()
	second.Attributes.Set(&objects.Attribute{Type: pkcs11.CKA_CLASS, Value: []byte{byte(pkcs11.CKO_PUBLIC_KEY)}})
	second.Attributes.Set(&objects.Attribute{Type: pkcs11.CKA_LABEL, Value: []byte("k2")})
	second.LinkTarget = first.Id
	token.AddObject(second)

	return token
}

func TestSqlite3_SaveAndGetToken(t *testing.T) {
	db := newTestDB(t)
	token := newStoredToken(t)

	if err := db.SaveToken(token); err != nil {
		t.Fatal(err)
	}
	loaded, err := db.GetToken(token.Label)
	if err != nil {
		t.Fatal(err)
	}
	if !token.Equals(loaded) {
		t.Errorf("loaded token differs from the saved one")
	}

	first := loaded.Objects[0]
	if string(first.Pub) != "B1" || string(first.Priv) != "P1" {
		t.Errorf("blobs not restored: %q %q", first.Pub, first.Priv)
	}
	if string(first.ObjAuth) != "W(pw)" {
		t.Errorf("wrapped auth not restored: %q", first.ObjAuth)
	}
	if first.UnsealedAuth != nil {
		t.Errorf("unsealed auth must never be persisted")
	}
	if loaded.Objects[1].LinkTarget != first.Id {
		t.Errorf("link not restored: %d", loaded.Objects[1].LinkTarget)
	}
}

func TestSqlite3_SavePreservesAttributeOrder(t *testing.T) {
	db := newTestDB(t)
	token, err := objects.NewToken("OrderToken", "1234", "5678")
	if err != nil {
		t.Fatal(err)
	}
	tobj := objects.NewTokenObject()
	types := []uint{pkcs11.CKA_CLASS, pkcs11.CKA_LABEL, pkcs11.CKA_ID, pkcs11.CKA_TOKEN}
	for i, attrType := range types {
		tobj.Attributes.Set(&objects.Attribute{Type: attrType, Value: []byte{byte(i)}})
	}
	token.AddObject(tobj)

	if err := db.SaveToken(token); err != nil {
		t.Fatal(err)
	}
	loaded, err := db.GetToken(token.Label)
	if err != nil {
		t.Fatal(err)
	}
	for i, attrType := range types {
		if loaded.Objects[0].Attributes[i].Type != attrType {
			t.Fatalf("attribute order not preserved: %v", loaded.Objects[0].Attributes)
		}
	}
}

func TestSqlite3_SaveIsRewrite(t *testing.T) {
	db := newTestDB(t)
	token := newStoredToken(t)
	if err := db.SaveToken(token); err != nil {
		t.Fatal(err)
	}

	// destroy one object and save again; the row must be gone
	handle := token.Objects[1].Handle
	if err := token.DeleteObject(handle); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveToken(token); err != nil {
		t.Fatal(err)
	}
	loaded, err := db.GetToken(token.Label)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Objects) != 1 {
		t.Errorf("expected 1 object after rewrite, got %d", len(loaded.Objects))
	}
}

func TestSqlite3_GetMaxIds(t *testing.T) {
	db := newTestDB(t)

	maxId, maxHandle, err := db.GetMaxIds()
	if err != nil || maxId != 0 || maxHandle != 0 {
		t.Fatalf("empty storage: id=%d handle=%d err=%v", maxId, maxHandle, err)
	}

	token := newStoredToken(t)
	if err := db.SaveToken(token); err != nil {
		t.Fatal(err)
	}
	maxId, maxHandle, err = db.GetMaxIds()
	if err != nil {
		t.Fatal(err)
	}
	last := token.Objects[len(token.Objects)-1]
	if uint(maxId) != last.Id || uint(maxHandle) != last.Handle {
		t.Errorf("max ids: got %d/%d, want %d/%d", maxId, maxHandle, last.Id, last.Handle)
	}
}

func TestSqlite3_GetMissingToken(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetToken("nope"); err == nil {
		t.Errorf("expected an error for a missing token")
	}
}
