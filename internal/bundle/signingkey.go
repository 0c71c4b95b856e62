package bundle

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// signingKeyPEM is the build-time-embedded RSA-2048 public key (e=65537)
// used to verify update bundles. Only the application bundle is signed;
// this key has no bearing on the UF2 images themselves, which carry no
// signature of their own.
const signingKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEAxMAyEYDxuxRqBitxExBO
/7i2Vakgm4kcQ06JvsWUCp/mlTQ6mJWqKPVrapOnZPyz/Y0of1WzOnvBwECjDZDd
zxInN9oehQ+myWGU3HmJDxP6q05wAgvsrP9TIH4WdFcl9L5YW2n7utbEZ3Rn6Q2c
uBIrS3xFjVpxAUF9Tpo5OgeedSlgVTSL1yVrkflpN4k5VOUjG8EIv5COkKKDT5J6
RAOZAwTDY8J0Dx0naI/Otc4m73D7TXdZCtpDDsbYRloGYcaZTzv2LSgsIOTXi7sk
ALp+ixeM8J5xuVieMraC7O8kupnKfhFbfgTe0Sx37YFVOc3EW1QWpywOkccub1S7
JwIDAQAB
-----END PUBLIC KEY-----
`

// SigningKey parses the embedded public key. It panics on failure since
// a malformed embedded constant is a build-time defect, not a runtime
// condition callers can recover from.
func SigningKey() *rsa.PublicKey {
	block, _ := pem.Decode([]byte(signingKeyPEM))
	if block == nil {
		panic("bundle: embedded signing key is not valid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		panic(fmt.Sprintf("bundle: embedded signing key is not valid PKIX: %v", err))
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		panic("bundle: embedded signing key is not RSA")
	}
	if rsaPub.E != 65537 {
		panic("bundle: embedded signing key must use exponent 65537")
	}
	return rsaPub
}
