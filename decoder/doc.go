// Package decoder implements the resumable decode of received packets.
//
// A PacketDecoder wraps one received packet. TryDecode authenticates it with
// the key shared with its sender, decrypts it and runs the handler for its
// verb. When a needed identity is not known yet, TryDecode asks the
// IdentityResolver for it and returns Retry together with the address it
// is waiting for; the caller parks the decoder and calls TryDecode again
// once that identity arrives. A resumed decode does not authenticate the
// packet a second time.
//
//	d, err := decoder.New(raw, local, remote, time.Now())
//	if err != nil {
//	    return err
//	}
//	res, err := d.TryDecode(env)
//	switch {
//	case err != nil:
//	    // discard
//	case res.Outcome == decoder.Retry:
//	    // park until res.WaitingFor resolves
//	}
package decoder
