// Package crypto implements the cryptographic primitives of the tunnel protocol.
//
// # Identities and Addresses
//
// An [Identity] holds an Ed25519 key pair for signatures and an X25519 key
// pair for key agreement. Its 40-bit [Address] is derived from the two public
// keys with BLAKE3, so a peer cannot claim an address without holding keys
// that hash to it:
//
//	id, _ := crypto.GenerateIdentity()
//	fmt.Println(id.Address())          // e.g. 8056c2e21c
//	fmt.Println(id.Serialize(false))   // address:0:public-hex
//
// [Identity.LocallyValidate] re-derives the address and rejects identities
// that do not match.
//
// # Key Agreement
//
// Two identities compute the same long-term secret with [Identity.Agree].
// The secret is never used directly on a packet: every packet mixes it with
// its own header to get a per-packet key.
//
// # One-time Authentication
//
// [ComputeMAC] and [VerifyMAC] wrap Poly1305. A Poly1305 key must
// authenticate exactly one message. Packet keys come from
// [DeriveOneTimeKey], which takes the first 32 bytes of the Salsa20 keystream
// for a secret and a packet id:
//
//	otk := crypto.DeriveOneTimeKey(secret, packetID)
//	tag := crypto.ComputeMAC(ciphertext, &otk)
//
// [StreamXOR] encrypts a payload with the rest of the same keystream and hands
// back the one-time key, so encrypt-then-MAC costs one keystream pass.
// [VerifyMAC] compares tags in constant time.
//
// # Memory Hygiene
//
// [ZeroBytes] and [Identity.Wipe] overwrite key material once it is no
// longer needed. Functions in this package wipe their temporaries before
// returning.
package crypto
