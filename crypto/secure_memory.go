package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites a byte slice holding key material with zeros.
// It returns an error if the slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCopy(1, data, zeros)

	// Keep the compiler from eliding the store
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes wipes data, ignoring a nil slice.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair erases both private halves of a KeyPair.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	ZeroBytes(kp.SignSeed[:])
	ZeroBytes(kp.AgreePrivate[:])
	return nil
}

// Wipe erases the identity's private keys. The identity can still verify
// signatures afterwards but can no longer sign or agree.
func (id *Identity) Wipe() {
	_ = WipeKeyPair(&id.keys)
	id.hasPrivate = false
}
