package sipua

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/srtp/v2"
)

const (
	cryptoSuite   = "AES_CM_128_HMAC_SHA1_80"
	masterKeyLen  = 16
	masterSaltLen = 14
)

// sdesKey is one a=crypto line (RFC 4568).
type sdesKey struct {
	Tag   int
	Suite string
	Key   []byte
	Salt  []byte
}

func newSDESKey(tag int) (sdesKey, error) {
	material := make([]byte, masterKeyLen+masterSaltLen)
	if _, err := rand.Read(material); err != nil {
		return sdesKey{}, fmt.Errorf("generate srtp key: %w", err)
	}
	return sdesKey{
		Tag:   tag,
		Suite: cryptoSuite,
		Key:   material[:masterKeyLen],
		Salt:  material[masterKeyLen:],
	}, nil
}

// Attribute renders the value of an a=crypto attribute.
func (k sdesKey) Attribute() string {
	material := append(append([]byte{}, k.Key...), k.Salt...)
	return fmt.Sprintf("%d %s inline:%s", k.Tag, k.Suite, base64.StdEncoding.EncodeToString(material))
}

// parseCryptoAttribute parses "1 AES_CM_128_HMAC_SHA1_80 inline:<b64>[|lifetime|mki]".
func parseCryptoAttribute(value string) (sdesKey, error) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return sdesKey{}, fmt.Errorf("malformed crypto attribute %q", value)
	}
	tag, err := strconv.Atoi(fields[0])
	if err != nil {
		return sdesKey{}, fmt.Errorf("crypto tag: %w", err)
	}
	params, ok := strings.CutPrefix(fields[2], "inline:")
	if !ok {
		return sdesKey{}, fmt.Errorf("unsupported key method in %q", fields[2])
	}
	if i := strings.IndexByte(params, '|'); i >= 0 {
		params = params[:i]
	}
	material, err := base64.StdEncoding.DecodeString(params)
	if err != nil {
		material, err = base64.RawStdEncoding.DecodeString(params)
		if err != nil {
			return sdesKey{}, fmt.Errorf("crypto key: %w", err)
		}
	}
	if len(material) != masterKeyLen+masterSaltLen {
		return sdesKey{}, fmt.Errorf("crypto key length %d", len(material))
	}
	return sdesKey{
		Tag:   tag,
		Suite: fields[1],
		Key:   material[:masterKeyLen],
		Salt:  material[masterKeyLen:],
	}, nil
}

// Context builds an SRTP context from the key.
func (k sdesKey) Context() (*srtp.Context, error) {
	if k.Suite != cryptoSuite {
		return nil, fmt.Errorf("unsupported crypto suite %s", k.Suite)
	}
	return srtp.CreateContext(k.Key, k.Salt, srtp.ProtectionProfileAes128CmHmacSha1_80)
}

// srtpContexts pairs our key (outbound) with the peer's key (inbound).
func srtpContexts(local, remote sdesKey) (out, in *srtp.Context, err error) {
	out, err = local.Context()
	if err != nil {
		return nil, nil, fmt.Errorf("local srtp context: %w", err)
	}
	in, err = remote.Context()
	if err != nil {
		return nil, nil, fmt.Errorf("remote srtp context: %w", err)
	}
	return out, in, nil
}
