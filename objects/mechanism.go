package objects

import (
	"crypto"

	"github.com/miekg/pkcs11"
)

// Mechanism represents a cryptographic operation the trust module may support.
type Mechanism struct {
	Type      uint   // Mechanism type
	Parameter []byte // Parameters for the mechanism
}

// GetHashType returns the crypto.Hash related to the mechanism type of the receiver.
func (mechanism *Mechanism) GetHashType() (h crypto.Hash, err error) {
	switch mechanism.Type {
	case pkcs11.CKM_RSA_PKCS:
		return crypto.Hash(0), nil
	case pkcs11.CKM_MD5_RSA_PKCS, pkcs11.CKM_MD5:
		h = crypto.MD5
	case pkcs11.CKM_SHA1_RSA_PKCS_PSS, pkcs11.CKM_SHA1_RSA_PKCS, pkcs11.CKM_SHA_1:
		h = crypto.SHA1
	case pkcs11.CKM_SHA256_RSA_PKCS_PSS, pkcs11.CKM_SHA256_RSA_PKCS, pkcs11.CKM_SHA256:
		h = crypto.SHA256
	case pkcs11.CKM_SHA384_RSA_PKCS_PSS, pkcs11.CKM_SHA384_RSA_PKCS, pkcs11.CKM_SHA384:
		h = crypto.SHA384
	case pkcs11.CKM_SHA512_RSA_PKCS_PSS, pkcs11.CKM_SHA512_RSA_PKCS, pkcs11.CKM_SHA512:
		h = crypto.SHA512
	default:
		err = NewError("Mechanism.GetHashType", "mechanism not supported for hashing", pkcs11.CKR_MECHANISM_INVALID)
		return
	}
	return
}

// IsSupported asks the trust module whether it can run the mechanism with the
// given object.
func (mechanism *Mechanism) IsSupported(module TrustModule, tobj *TokenObject) error {
	if module == nil {
		return NewError("Mechanism.IsSupported", "trust module not available", pkcs11.CKR_DEVICE_ERROR)
	}
	return module.IsMechanismSupported(tobj, mechanism)
}

// MinBufferSize asks the trust module for the minimum output buffer size of
// running the mechanism with the given object.
func (mechanism *Mechanism) MinBufferSize(module TrustModule, tobj *TokenObject) (int, error) {
	if module == nil {
		return 0, NewError("Mechanism.MinBufferSize", "trust module not available", pkcs11.CKR_DEVICE_ERROR)
	}
	return module.MinBufferSize(tobj, mechanism)
}
