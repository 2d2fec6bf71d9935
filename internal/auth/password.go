package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// loginDummyHash is a throwaway bcrypt digest (of the string "password")
// compared against when a login names an account that does not exist, so the
// not-found path costs a full bcrypt verification like every other failure.
const loginDummyHash = "$2a$10$a9X7n1AjqBOOsVb4miRdauXjZCo5iDc7eJPsHhPWuq9M8hoknELWO"

// HashPassword derives a bcrypt hash from a plaintext password. The hashing
// algorithm is deliberately pluggable at the Directory boundary; bcrypt is
// the default verifier.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored hash. An empty
// hash never verifies, which is how passwordless accounts (the system user)
// are kept out of the login path.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
