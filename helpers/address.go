package helpers

import "strings"

// SplitEmailAddress splits an address into lower-cased local part and domain.
// The domain is empty when there is no '@'.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	idx := strings.LastIndex(email, "@")
	if idx < 0 {
		return email, ""
	}
	return email[:idx], email[idx+1:]
}

// LocalRecipient returns the user name for a recipient address when it is
// either a bare name or addressed to one of the local domains.
func LocalRecipient(addr string, localDomains ...string) (string, bool) {
	local, domain := SplitEmailAddress(strings.TrimSpace(addr))
	if local == "" {
		return "", false
	}
	if domain == "" {
		return local, true
	}
	for _, d := range localDomains {
		if strings.EqualFold(domain, d) {
			return local, true
		}
	}
	return "", false
}
