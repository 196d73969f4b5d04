package reference

import (
	"fmt"
	"strings"

	"issuance/internal/core/numerator"
)

// Scheme describes one family of references: the counter prefix, whether
// the counter resets yearly, and the zero-padding of the number.
type Scheme struct {
	Prefix string
	Yearly bool
	Digits int
}

// Known schemes. Every prefix is its own counter, so case, licence and
// certificate numbers never collide.
var (
	ImportCase     = Scheme{Prefix: "IMA", Yearly: true, Digits: 5}
	ExportCase     = Scheme{Prefix: "CA", Yearly: true, Digits: 5}
	ExportCaseGMP  = Scheme{Prefix: "GA", Yearly: true, Digits: 5}
	CertificateCFS = Scheme{Prefix: "CFS", Yearly: true, Digits: 5}
	CertificateCOM = Scheme{Prefix: "COM", Yearly: true, Digits: 5}
	CertificateGMP = Scheme{Prefix: "GMP", Yearly: true, Digits: 5}

	// LicenceNumber is the shared year-less counter behind every import
	// licence reference; see FormatLicence.
	LicenceNumber = Scheme{Prefix: "ILD", Digits: 7}
)

// Scope returns the counter scope for an allocation made in year.
func (s Scheme) Scope(year int) numerator.Scope {
	if s.Yearly {
		return numerator.YearScope(s.Prefix, year)
	}
	return numerator.GlobalScope(s.Prefix)
}

// Format renders PREFIX/YYYY/NNNNN, or PREFIX/N for year-less schemes.
func (s Scheme) Format(scope numerator.Scope, n int64) string {
	num := fmt.Sprintf("%0*d", s.Digits, n)
	if scope.Yearly() {
		return fmt.Sprintf("%s/%d/%s", scope.Prefix, scope.Year, num)
	}
	return scope.Prefix + "/" + num
}

const checkLetters = "ABCDEFGHXJKLM"

// CheckLetter derives the licence check character from the sequence value.
func CheckLetter(n int64) byte {
	return checkLetters[n%int64(len(checkLetters))]
}

// FormatLicence renders an import licence reference from the case's licence
// number. Electronic licences carry the GB prefix and licence category
// (GBSIL0000001B); paper licences are the bare number and check letter.
func FormatLicence(category string, n int64, paper bool) string {
	body := fmt.Sprintf("%0*d%c", LicenceNumber.Digits, n, CheckLetter(n))
	if paper {
		return body
	}
	return "GB" + category + body
}

// VariationReference appends the variation count to the first three
// segments of a case reference: IMA/2024/00001 with count 2 becomes
// IMA/2024/00001/2. A zero count yields the base reference.
func VariationReference(current string, count int) (string, error) {
	parts := strings.Split(current, "/")
	if len(parts) < 3 {
		return "", fmt.Errorf("case reference %q is not assigned", current)
	}
	base := strings.Join(parts[:3], "/")
	if count <= 0 {
		return base, nil
	}
	return fmt.Sprintf("%s/%d", base, count), nil
}
