package identity

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"strings"
)

var attributeNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.5":                    "SERIALNUMBER",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "STREET",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.17":                   "POSTALCODE",
	"0.9.2342.19200300.100.1.25": "DC",
	"1.2.840.113549.1.9.1":       "EMAILADDRESS",
}

// renderDN formats name most specific attribute first, for example
// "EMAILADDRESS=a@b, CN=worker, OU=grid, O=example, C=SE".
func renderDN(name pkix.Name) string {
	parts := make([]string, 0, len(name.Names))
	for i := len(name.Names) - 1; i >= 0; i-- {
		atv := name.Names[i]
		label, ok := attributeNames[atv.Type.String()]
		if !ok {
			label = atv.Type.String()
		}
		value, ok := atv.Value.(string)
		if !ok {
			continue
		}
		parts = append(parts, label+"="+value)
	}
	return strings.Join(parts, ", ")
}

// emailFromDN returns the EMAILADDRESS value of dn, matched without regard
// to case and terminated by the next comma or the end of the string.
func emailFromDN(dn string) string {
	const marker = "EMAILADDRESS="
	idx := -1
	for i := 0; i+len(marker) <= len(dn); i++ {
		if strings.EqualFold(dn[i:i+len(marker)], marker) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ""
	}
	rest := dn[idx+len(marker):]
	if end := strings.IndexByte(rest, ','); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// certificateEmail scans the chain leaf first and returns the first email
// found in a subject DN.
func certificateEmail(chain []*x509.Certificate) string {
	for _, cert := range chain {
		if cert == nil {
			continue
		}
		if email := emailFromDN(renderDN(cert.Subject)); email != "" {
			return email
		}
	}
	return ""
}

// certificateLogin derives the stable login for a leaf certificate.
func certificateLogin(leaf *x509.Certificate) string {
	return leaf.Subject.String() + "_" + leaf.Issuer.String()
}
