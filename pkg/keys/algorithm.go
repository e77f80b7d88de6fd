package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/nao1215/herbario/pkg/apperror"
)

// rsaKeyBits はGenerateで生成するRSA鍵の長さ。
const rsaKeyBits = 2048

// ParseAlgorithm は署名アルゴリズム名を検証してjwa.SignatureAlgorithmに変換する。
// 共通鍵方式（HS*）と "none" は受け付けない。
func ParseAlgorithm(name string) (jwa.SignatureAlgorithm, error) {
	switch alg := jwa.SignatureAlgorithm(name); alg {
	case jwa.ES256, jwa.ES384, jwa.ES512,
		jwa.RS256, jwa.RS384, jwa.RS512,
		jwa.PS256, jwa.PS384, jwa.PS512,
		jwa.EdDSA:
		return alg, nil
	default:
		return "", fmt.Errorf("%w: 未対応の署名アルゴリズム: %q", apperror.ErrConfiguration, name)
	}
}

// checkKeyType は鍵種別と曲線がアルゴリズムと一致するかを検証する。
func checkKeyType(key jwk.Key, alg jwa.SignatureAlgorithm) error {
	mismatch := fmt.Errorf("%w: 鍵種別 %s はアルゴリズム %s に使用できません",
		apperror.ErrConfiguration, key.KeyType(), alg)

	switch alg {
	case jwa.ES256, jwa.ES384, jwa.ES512:
		ec, ok := key.(jwk.ECDSAPrivateKey)
		if !ok {
			return mismatch
		}
		want := map[jwa.SignatureAlgorithm]jwa.EllipticCurveAlgorithm{
			jwa.ES256: jwa.P256,
			jwa.ES384: jwa.P384,
			jwa.ES512: jwa.P521,
		}[alg]
		if ec.Crv() != want {
			return fmt.Errorf("%w: 曲線 %s はアルゴリズム %s に使用できません",
				apperror.ErrConfiguration, ec.Crv(), alg)
		}
	case jwa.RS256, jwa.RS384, jwa.RS512, jwa.PS256, jwa.PS384, jwa.PS512:
		if _, ok := key.(jwk.RSAPrivateKey); !ok {
			return mismatch
		}
	case jwa.EdDSA:
		okp, ok := key.(jwk.OKPPrivateKey)
		if !ok || okp.Crv() != jwa.Ed25519 {
			return mismatch
		}
	}
	return nil
}

// Generate は指定アルゴリズム用の新しい鍵ペアを生成し、
// PKCS#8形式の秘密鍵PEMとSPKI形式の公開鍵PEMを返す。
func Generate(algorithm string) (privatePEM, publicPEM []byte, err error) {
	alg, err := ParseAlgorithm(algorithm)
	if err != nil {
		return nil, nil, err
	}

	var signer crypto.Signer
	switch alg {
	case jwa.ES256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case jwa.ES384:
		signer, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case jwa.ES512:
		signer, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case jwa.EdDSA:
		_, signer, err = ed25519.GenerateKey(rand.Reader)
	default:
		signer, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("鍵の生成に失敗: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, nil, fmt.Errorf("秘密鍵のエンコードに失敗: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, nil, fmt.Errorf("公開鍵のエンコードに失敗: %w", err)
	}

	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}
