package ble

import (
	blecrypto "github.com/chaz8081/blufictl/internal/ble/crypto"
	"github.com/chaz8081/blufictl/internal/ble/protocol"
)

// NegotiateSecurity queues the key exchange. On success every later data
// frame in both directions is checksummed and encrypted with the derived
// session key.
func (c *Client) NegotiateSecurity() error {
	return c.enqueue(func() {
		st := c.negotiate()
		if st == CodeWriteTimeout {
			return
		}
		c.cb.OnNegotiateSecurityResult(st)
	}, func() { c.cb.OnNegotiateSecurityResult(CodeNegPostFailed) })
}

func (c *Client) negotiate() Status {
	priv, pub, err := blecrypto.GenerateKeyPair()
	if err != nil {
		c.log.WithError(err).Error("[BLUFI] generate key pair")
		return CodeNegErrSecurity
	}

	negType := protocol.NewType(protocol.KindData, protocol.DataNeg)
	ch := c.expect(negType)
	defer c.unexpect(negType)

	payload := protocol.MarshalNegPublicKey(blecrypto.CompressPublicKey(pub))
	if st := c.post(negType, payload); st != StatusSuccess {
		if st == CodeWriteFailed {
			return CodeNegPostFailed
		}
		return st
	}

	f, st := c.await(ch)
	if st != StatusSuccess {
		c.log.Warn("[BLUFI] no negotiation reply from device")
		return st
	}

	raw, err := protocol.UnmarshalNegPublicKey(f.Data)
	if err != nil {
		c.log.WithError(err).Warn("[BLUFI] bad negotiation reply")
		return CodeNegErrDevKey
	}
	peer, err := blecrypto.ParseCompressedPublicKey(raw)
	if err != nil {
		c.log.WithError(err).Warn("[BLUFI] bad device public key")
		return CodeNegErrDevKey
	}
	keys, err := blecrypto.DeriveKeys(priv, peer)
	if err != nil {
		return CodeNegErrSecurity
	}
	session, err := blecrypto.NewSession(keys, blecrypto.ToDevice)
	if err != nil {
		return CodeNegErrSecurity
	}

	// The device may encrypt as soon as it sees the mode change, so the
	// cipher is installed before the write.
	c.packer.SetCipher(session.Outbound)
	c.asm.SetCipher(session.Inbound)
	mode := protocol.MarshalSecMode(protocol.SecChecksum, protocol.SecChecksum|protocol.SecEncrypt)
	if st := c.post(protocol.NewType(protocol.KindCtrl, protocol.CtrlSetSecMode), mode); st != StatusSuccess {
		c.packer.SetCipher(nil)
		c.asm.SetCipher(nil)
		if st == CodeWriteTimeout {
			return st
		}
		return CodeNegErrSetSecurity
	}

	c.log.Info("[BLUFI] security negotiated")
	return StatusSuccess
}
