package auth

import (
	"errors"
	"os"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid registration key")
	ErrAuthDisabled       = errors.New("authentication is disabled")
	ErrDeviceMismatch     = errors.New("token does not belong to this device")
)

// Authenticator issues and validates device session tokens. Devices
// exchange a shared registration key for a JWT bound to their device ID.
type Authenticator struct {
	enabled    bool
	keyHash    []byte
	jwtManager *JWTManager
}

// NewAuthenticator creates a new authenticator from environment variables
func NewAuthenticator() *Authenticator {
	enabled := os.Getenv("AUTH_ENABLED") == "true"

	key := os.Getenv("DEVICE_REGISTRATION_KEY")
	var keyHash []byte

	if enabled && key != "" {
		// Check if key is already a bcrypt hash
		if len(key) == 60 && key[0] == '$' {
			keyHash = []byte(key)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
			if err == nil {
				keyHash = hash
			}
		}
	}

	return &Authenticator{
		enabled:    enabled,
		keyHash:    keyHash,
		jwtManager: NewJWTManager(),
	}
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates the registration key and returns a JWT token for the device
func (a *Authenticator) Authenticate(deviceID, key string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}

	if deviceID == "" {
		return "", 0, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(a.keyHash, []byte(key)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtManager.GenerateToken(deviceID)
	if err != nil {
		return "", 0, err
	}

	return token, expiresAt.Unix(), nil
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.jwtManager.ValidateToken(token)
}

// ValidateForDevice checks that a token is valid and was issued to the
// given device. Always succeeds when authentication is disabled.
func (a *Authenticator) ValidateForDevice(token, deviceID string) error {
	if !a.enabled {
		return nil
	}

	claims, err := a.jwtManager.ValidateToken(token)
	if err != nil {
		return err
	}

	if claims.DeviceID != deviceID {
		return ErrDeviceMismatch
	}

	return nil
}

// JWTManager returns the JWT manager
func (a *Authenticator) JWTManager() *JWTManager {
	return a.jwtManager
}

// HashKey creates a bcrypt hash of a registration key (utility function)
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
