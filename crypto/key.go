package crypto

import (
	"encoding/json"
	"os"

	"github.com/ethereum/go-ethereum/common"
)

/* This file implements the on-disk validator key file holding the node's dual key pair */

// ValidatorKey is the node's dual key pair: the BLS key contributes to aggregate consensus
// signatures while the SECP256K1 key authenticates pre-proposals and on-chain submissions
type ValidatorKey struct {
	BLS   *BLS12381PrivateKey  `json:"blsPrivateKey"`
	ECDSA *SECP256K1PrivateKey `json:"ecdsaPrivateKey"`
}

// NewValidatorKey() generates a fresh dual key pair
func NewValidatorKey() (*ValidatorKey, error) {
	// generate the BLS half
	bls, err := NewBLSPrivateKey()
	if err != nil {
		return nil, err
	}
	// generate the SECP256K1 half
	ecdsa, err := NewSECP256K1PrivateKey()
	if err != nil {
		return nil, err
	}
	// exit with the pair
	return &ValidatorKey{
		BLS:   bls.(*BLS12381PrivateKey),
		ECDSA: ecdsa.(*SECP256K1PrivateKey),
	}, nil
}

// Address() returns the validator's on-chain identity, derived from the SECP256K1 half
func (k *ValidatorKey) Address() common.Address { return k.ECDSA.PublicKey().Address() }

// WriteToFile() saves the key pair to a JSON file readable only by the owner
func (k *ValidatorKey) WriteToFile(filePath string) error {
	// convert the key pair to json bytes
	jsonBytes, err := json.MarshalIndent(k, "", "  ")
	// if an error occurred during the conversion
	if err != nil {
		// exit with error
		return err
	}
	// write the key file with owner-only permissions
	return os.WriteFile(filePath, jsonBytes, 0600)
}

// NewValidatorKeyFromFile() populates a ValidatorKey from a JSON file
func NewValidatorKeyFromFile(filePath string) (*ValidatorKey, error) {
	// read the file into bytes
	fileBytes, err := os.ReadFile(filePath)
	// if an error occurred
	if err != nil {
		// exit with error
		return nil, err
	}
	// populate the key pair from the file bytes
	k := new(ValidatorKey)
	if err = json.Unmarshal(fileBytes, k); err != nil {
		// exit with error
		return nil, err
	}
	// exit
	return k, nil
}
