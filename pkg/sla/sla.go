// Package sla implements MediaTek Signed Loader Authentication: loading an
// RSA private key and optional certificate, composing the version-specific
// challenge from the attached device's ME-ID/SoC-ID, signing it with
// RSA-SHA256, and submitting the result over a BROM engine.
package sla

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/barnettlynn/flashcore/internal/protoerr"
	"github.com/barnettlynn/flashcore/pkg/brom"
)

const proto = "sla"

// Challenge is the material signed and returned to the device.
type Challenge struct {
	Version uint8
	Data    []byte
}

// Authenticator drives one SLA authentication exchange over a BROM engine.
type Authenticator struct {
	privateKey  *rsa.PrivateKey
	certificate []byte
	log         *logrus.Entry
}

// LoadPrivateKeyPEM parses an RSA private key from PEM-encoded data,
// rejecting anything that does not carry the expected PEM markers before
// attempting to decode it. Both PKCS#1 and PKCS#8 containers are accepted.
func LoadPrivateKeyPEM(pemData []byte) (*rsa.PrivateKey, error) {
	if !bytes.Contains(pemData, []byte("-----BEGIN")) || !bytes.Contains(pemData, []byte("PRIVATE KEY-----")) {
		return nil, protoerr.New(protoerr.KindKeyLoadFailed, proto, "not a PEM-encoded private key")
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, protoerr.New(protoerr.KindKeyLoadFailed, proto, "failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindKeyLoadFailed, proto, "parse private key", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, protoerr.New(protoerr.KindKeyLoadFailed, proto, "private key is not RSA")
	}
	return rsaKey, nil
}

// NewAuthenticator builds an Authenticator from an already-parsed private
// key and an optional DA certificate (nil or empty skips send_cert).
func NewAuthenticator(privateKey *rsa.PrivateKey, certificate []byte, log *logrus.Entry) *Authenticator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Authenticator{privateKey: privateKey, certificate: certificate, log: log.WithField("proto", proto)}
}

// Authenticate runs the full challenge/sign/response flow against bromEngine.
func (a *Authenticator) Authenticate(bromEngine *brom.Engine) error {
	challenge, err := a.getChallenge(bromEngine)
	if err != nil {
		return err
	}

	signature, err := a.sign(challenge)
	if err != nil {
		return err
	}

	return a.sendResponse(bromEngine, signature)
}

func (a *Authenticator) getChallenge(bromEngine *brom.Engine) (*Challenge, error) {
	cfg, err := bromEngine.GetTargetConfig()
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindAuthenticationFailed, proto, "read target config", err)
	}

	var version uint8
	if cfg.SLAEnabled {
		version = cfg.SLAVersion
		if version == 0 {
			version = 1
		}
	}

	meID, err := bromEngine.GetMeId()
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindAuthenticationFailed, proto, "read me-id", err)
	}

	switch version {
	case 2:
		socID, err := bromEngine.GetSocId()
		if err != nil {
			return nil, protoerr.Wrap(protoerr.KindAuthenticationFailed, proto, "read soc-id", err)
		}
		if len(meID) == 0 {
			return nil, protoerr.New(protoerr.KindAuthenticationFailed, proto, "sla v2 challenge unavailable: empty me-id")
		}
		return &Challenge{Version: version, Data: append(append([]byte(nil), meID...), socID...)}, nil

	case 3:
		socID, err := bromEngine.GetSocId()
		if err != nil {
			return nil, protoerr.Wrap(protoerr.KindAuthenticationFailed, proto, "read soc-id", err)
		}
		data := append(append([]byte(nil), meID...), socID...)
		if len(data) < 16 {
			return nil, protoerr.New(protoerr.KindAuthenticationFailed, proto, fmt.Sprintf("sla v3 challenge unavailable: only %d bytes", len(data)))
		}
		return &Challenge{Version: version, Data: data}, nil

	default:
		if len(meID) == 0 {
			return nil, protoerr.New(protoerr.KindAuthenticationFailed, proto, "sla v1 challenge unavailable: empty me-id")
		}
		return &Challenge{Version: 1, Data: append([]byte(nil), meID...)}, nil
	}
}

func (a *Authenticator) sign(challenge *Challenge) ([]byte, error) {
	if a.privateKey == nil {
		return nil, protoerr.New(protoerr.KindKeyLoadFailed, proto, "no private key loaded")
	}
	hashed := sha256.Sum256(challenge.Data)
	signature, err := rsa.SignPKCS1v15(rand.Reader, a.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindAuthenticationFailed, proto, "sign challenge", err)
	}
	return signature, nil
}

func (a *Authenticator) sendResponse(bromEngine *brom.Engine, signature []byte) error {
	if len(a.certificate) > 0 {
		if err := bromEngine.SendCert(a.certificate); err != nil {
			return protoerr.Wrap(protoerr.KindAuthenticationFailed, proto, "send certificate", err)
		}
	}
	if err := bromEngine.SendAuth(signature); err != nil {
		return protoerr.Wrap(protoerr.KindAuthenticationFailed, proto, "device rejected sla response", err)
	}
	return nil
}
