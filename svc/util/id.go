package util

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

// IDLength keeps generated ids well inside the 10-50 character window while
// giving ~131 bits of entropy over nanoid's [A-Za-z0-9_-] alphabet.
const IDLength = 22

func GenID(exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < 5; retry++ {
		id, err := gonanoid.New(IDLength)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		exist, err := exists(id)
		if err != nil {
			return "", err
		}
		if !exist {
			return id, nil
		}
	}
	return "", errors.New("id collision after 5 retries")
}
