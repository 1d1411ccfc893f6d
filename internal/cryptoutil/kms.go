package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"hash"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

// KeyFetcher is the KMS call the verifier needs. *kms.Client satisfies it.
type KeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier checks policy document signatures made with an asymmetric KMS
// key. The public key is fetched once and signatures are verified locally,
// so KMS is only on the path of the first policy load.
type KMSVerifier struct {
	client KeyFetcher
	keyARN string

	// AllowPKCS1v15 accepts RSA PKCS#1 v1.5 signatures when PSS fails.
	AllowPKCS1v15 bool

	mu     sync.Mutex
	pubKey crypto.PublicKey
}

func NewKMSVerifier(client KeyFetcher, keyARN string) *KMSVerifier {
	return &KMSVerifier{client: client, keyARN: keyARN}
}

func (v *KMSVerifier) KeyARN() string { return v.keyARN }

// VerifyDetached checks the contents of a .sig object, as written by
// `aws kms sign` either raw or base64 encoded.
func (v *KMSVerifier) VerifyDetached(ctx context.Context, message, sigFile []byte) error {
	text := strings.TrimSpace(string(sigFile))
	if text == "" {
		return xerrors.New("empty signature")
	}
	sig, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		sig = sigFile
	}
	return v.VerifySignature(ctx, message, sig)
}

// PublicKey returns the cached key, fetching it on first use. Failed
// fetches are not cached.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyARN)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyARN)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has usage %s, want SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key")
	}
	v.pubKey = pub
	return pub, nil
}

// VerifySignature verifies sig over message with the KMS key. ECDSA keys
// use the digest matching their curve (SHA-256 for P-256, SHA-384 for
// P-384). RSA keys use SHA-256 with PSS.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, sig []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		h, err := curveHash(key.Curve)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(key, digest(h, message), sig) {
			return xerrors.Newf("ecdsa %s signature does not match", key.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		d := digest(crypto.SHA256, message)
		pssErr := rsa.VerifyPSS(key, crypto.SHA256, d, sig, nil)
		if pssErr == nil {
			return nil
		}
		if !v.AllowPKCS1v15 {
			return xerrors.Wrap(pssErr, "rsa-pss signature does not match")
		}
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, d, sig); err != nil {
			return xerrors.Wrap(err, "rsa signature does not match")
		}
		return nil
	default:
		return xerrors.Newf("unsupported public key type %T", pub)
	}
}

func curveHash(c elliptic.Curve) (crypto.Hash, error) {
	switch c {
	case elliptic.P256():
		return crypto.SHA256, nil
	case elliptic.P384():
		return crypto.SHA384, nil
	}
	return 0, xerrors.Newf("unsupported ecdsa curve %s", c.Params().Name)
}

func digest(h crypto.Hash, msg []byte) []byte {
	var w hash.Hash
	if h == crypto.SHA384 {
		w = sha512.New384()
	} else {
		w = sha256.New()
	}
	w.Write(msg)
	return w.Sum(nil)
}
