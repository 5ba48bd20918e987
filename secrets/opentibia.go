// Package secrets holds the well-known OpenTibia RSA key pair and helpers
// for moving keys in and out of PEM files.
package secrets

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/golang/glog"
)

var bigOne = big.NewInt(1)

// The primes of the RSA key used by OpenTibia servers. Unmodified clients
// ship with the corresponding public key.
const (
	openTibiaP = "14299623962416399520070177382898895550795403345466153217470516082934737582776038882967213386204600674145392845853859217990626450972452084065728686565928113"
	openTibiaQ = "7630979195970404721891201847792002125535401292779123937207447574596692788513647179235335529307251350570728407373705564708871762033017096809910315212884101"
)

// OpenTibiaKey returns a new copy of the OpenTibia private key.
func OpenTibiaKey() (*rsa.PrivateKey, error) {
	pB, ok := new(big.Int).SetString(openTibiaP, 10)
	if !ok {
		glog.Errorln("OpenTibiaKey(): invalid p")
		return nil, fmt.Errorf("secrets: invalid p")
	}
	qB, ok := new(big.Int).SetString(openTibiaQ, 10)
	if !ok {
		glog.Errorln("OpenTibiaKey(): invalid q")
		return nil, fmt.Errorf("secrets: invalid q")
	}

	p1 := new(big.Int).Sub(pB, bigOne)
	q1 := new(big.Int).Sub(qB, bigOne)

	p1q1 := new(big.Int).Mul(p1, q1)
	pubK := rsa.PublicKey{
		E: 65537,
		N: new(big.Int).Mul(pB, qB),
	}
	pk := &rsa.PrivateKey{
		Primes:    []*big.Int{pB, qB},
		PublicKey: pubK,
		D:         new(big.Int).ModInverse(big.NewInt(int64(pubK.E)), p1q1),
	}
	pk.Precompute()
	return pk, nil
}

// EncodePEM returns pk as a PKCS#1 "RSA PRIVATE KEY" PEM block.
func EncodePEM(pk *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(pk),
	})
}

// RawEncrypt encrypts block in place with pub, without padding, the way a
// client does. block must be as long as the modulus and, read as a
// big-endian integer, smaller than it.
func RawEncrypt(pub *rsa.PublicKey, block []byte) error {
	if len(block) != pub.Size() {
		return fmt.Errorf("secrets: block size = %d; want %d", len(block), pub.Size())
	}
	m := new(big.Int).SetBytes(block)
	if m.Cmp(pub.N) >= 0 {
		return fmt.Errorf("secrets: message out of range")
	}
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)
	c.FillBytes(block)
	return nil
}
