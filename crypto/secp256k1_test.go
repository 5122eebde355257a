package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSECP256K1SignRecover(t *testing.T) {
	// create a new private key
	k, err := NewSECP256K1PrivateKey()
	require.NoError(t, err)
	// sign a message
	msg := []byte("hello world")
	sig := k.Sign(msg)
	require.Len(t, sig, SECP256K1SignatureSize)
	// recovering from the digest yields the signer's address
	signer, err := RecoverSigner(Hash(msg), sig)
	require.NoError(t, err)
	require.Equal(t, k.PublicKey().Address(), signer)
	// a different message recovers a different address
	other, err := RecoverSigner(Hash([]byte("other message")), sig)
	require.NoError(t, err)
	require.NotEqual(t, signer, other)
	// the public key verifies its own signature and rejects a tampered one
	require.True(t, k.PublicKey().VerifyBytes(msg, sig))
	require.False(t, k.PublicKey().VerifyBytes([]byte("other message"), sig))
}

func TestSECP256K1KeyRoundTrip(t *testing.T) {
	// create a new private key
	k, err := NewSECP256K1PrivateKey()
	require.NoError(t, err)
	// rebuild the key from its bytes
	restored, err := BytesToSECP256K1Private(k.Bytes())
	require.NoError(t, err)
	require.True(t, k.Equals(restored))
	// rebuild the public key from its bytes
	pub, err := BytesToSECP256K1Public(k.PublicKey().Bytes())
	require.NoError(t, err)
	require.True(t, k.PublicKey().Equals(pub))
}

func TestValidatorKeyFile(t *testing.T) {
	// generate a dual key pair
	k, err := NewValidatorKey()
	require.NoError(t, err)
	// write it to a temp file
	path := t.TempDir() + "/validator_key.json"
	require.NoError(t, k.WriteToFile(path))
	// read it back
	restored, err := NewValidatorKeyFromFile(path)
	require.NoError(t, err)
	// both halves survive the round trip
	require.True(t, k.BLS.Equals(restored.BLS))
	require.True(t, k.ECDSA.Equals(restored.ECDSA))
	require.Equal(t, k.Address(), restored.Address())
}
