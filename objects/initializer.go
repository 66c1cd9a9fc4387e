package objects

import (
	"github.com/google/uuid"
	"github.com/miekg/pkcs11"
)

// ObjectInitializer runs after a token object is built from its template and
// before it is registered. Production implementations derive or import trust
// module key material from the attributes; a failure aborts the creation.
type ObjectInitializer interface {
	Initialize(session *Session, tobj *TokenObject) error
}

// NoopInitializer accepts every object without touching the trust module.
type NoopInitializer struct{}

func (NoopInitializer) Initialize(*Session, *TokenObject) error {
	return nil
}

// KeyImportInitializer imports the template's key material (CKA_VALUE) into
// the trust module and records the returned blobs on the object. Objects
// without key material pass through untouched.
type KeyImportInitializer struct{}

func (KeyImportInitializer) Initialize(session *Session, tobj *TokenObject) error {
	value, err := tobj.Attributes.GetAttributeByType(pkcs11.CKA_VALUE)
	if err != nil {
		return nil
	}
	module, err := session.GetModule()
	if err != nil {
		return err
	}
	keyName := uuid.New().String()
	pub, priv, err := module.Import(keyName, value.Value)
	if err != nil {
		return err
	}
	if err := tobj.SetBlobData(pub, priv); err != nil {
		return err
	}
	tobj.SetAttribute(&Attribute{AttrTypeKeyName, []byte(keyName)})
	return nil
}
