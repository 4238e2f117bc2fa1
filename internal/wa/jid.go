package wa

import (
	"fmt"
	"regexp"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

var phoneRegexp = regexp.MustCompile(`^\+?[0-9]{5,20}$`)

// ToJID normalizes a recipient identifier to the transport's address
// form. Accepts a full JID ("x@s.whatsapp.net", "x@g.us") or a bare
// phone number with optional leading plus.
func ToJID(to string) (types.JID, error) {
	if strings.ContainsRune(to, '@') {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("parse JID: %w", err)
		}
		return jid, nil
	}
	phone := strings.TrimPrefix(to, "+")
	if !phoneRegexp.MatchString(phone) {
		return types.EmptyJID, fmt.Errorf("invalid recipient %q: not a phone number or JID", to)
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}
