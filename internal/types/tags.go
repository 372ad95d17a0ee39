// internal/types/tags.go
package types

// Tags uses the Nostr layout: each tag is a name followed by its values.
type Tags [][]string

const DelegationTag = "t"

// Delegation returns the first ["t", sub_user_id, sub_thread_id] tag whose
// sub user is non-empty and whose thread id is Valid. Malformed tags are
// ignored, which leaves the message direct.
func (t Tags) Delegation() (subUser string, subThread ThreadID, ok bool) {
	for _, tag := range t {
		if len(tag) < 3 || tag[0] != DelegationTag {
			continue
		}
		if tag[1] == "" || !ThreadID(tag[2]).Valid() {
			continue
		}
		return tag[1], ThreadID(tag[2]), true
	}
	return "", "", false
}

func (t Tags) Find(name string) []string {
	for _, tag := range t {
		if len(tag) > 0 && tag[0] == name {
			return tag
		}
	}
	return nil
}

func DelegationTags(subUser string, subThread ThreadID) Tags {
	return Tags{{DelegationTag, subUser, string(subThread)}}
}
