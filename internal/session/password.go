package session

import "golang.org/x/crypto/bcrypt"

// HashPassword implements spec §4.3's "deterministic one-way function with
// fixed output" contract using bcrypt, the hashing library the corpus
// reaches for around device/user auth (m0rjc-OsmDeviceAdapter/internal/
// webauth).
func HashPassword(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether plain hashes to hash.
func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
