package session

// State is the durable snapshot of one browser-authenticated session: cookies
// plus per-origin local-storage entries. The on-disk JSON shape matches what
// browser automation tooling writes for a storage-state export, so snapshots
// captured by the browser refresh path and states written by the direct
// refresh path are interchangeable.
//
// State is owned exclusively by the Store. Everything else treats a loaded
// State as an immutable read or mutates a copy and writes the whole blob back.
type State struct {
	Cookies []Cookie      `json:"cookies"`
	Origins []OriginState `json:"origins"`
}

// Cookie is a single browser cookie record.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`

	// Expires is the expiry in epoch seconds. -1 marks a session cookie.
	Expires int64 `json:"expires"`

	HTTPOnly bool   `json:"httpOnly"`
	Secure   bool   `json:"secure"`
	SameSite string `json:"sameSite"`
}

// OriginState holds the local-storage entries for one web origin.
type OriginState struct {
	Origin       string         `json:"origin"`
	LocalStorage []StorageEntry `json:"localStorage"`
}

// StorageEntry is an opaque name/value pair from an origin's local storage.
// Values are usually JSON but must never be assumed well-formed.
type StorageEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StorageFor returns the local-storage entries for the given origin, or nil
// if the origin is not present in the snapshot.
func (s *State) StorageFor(origin string) []StorageEntry {
	for i := range s.Origins {
		if s.Origins[i].Origin == origin {
			return s.Origins[i].LocalStorage
		}
	}
	return nil
}

// SetStorageValue creates or replaces a local-storage entry under the given
// origin, creating the origin record if needed.
func (s *State) SetStorageValue(origin, name, value string) {
	for i := range s.Origins {
		if s.Origins[i].Origin != origin {
			continue
		}
		for j := range s.Origins[i].LocalStorage {
			if s.Origins[i].LocalStorage[j].Name == name {
				s.Origins[i].LocalStorage[j].Value = value
				return
			}
		}
		s.Origins[i].LocalStorage = append(s.Origins[i].LocalStorage, StorageEntry{Name: name, Value: value})
		return
	}
	s.Origins = append(s.Origins, OriginState{
		Origin:       origin,
		LocalStorage: []StorageEntry{{Name: name, Value: value}},
	})
}

// CookieValue returns the value of the first cookie matching name and domain.
func (s *State) CookieValue(name, domain string) (string, bool) {
	for i := range s.Cookies {
		if s.Cookies[i].Name == name && s.Cookies[i].Domain == domain {
			return s.Cookies[i].Value, true
		}
	}
	return "", false
}

// CookiesNamed returns every cookie with the given name, across all domains.
// The messaging session cookie is replicated on two domains; callers use this
// to keep the replicas in sync.
func (s *State) CookiesNamed(name string) []Cookie {
	var out []Cookie
	for i := range s.Cookies {
		if s.Cookies[i].Name == name {
			out = append(out, s.Cookies[i])
		}
	}
	return out
}

// SetCookie creates or replaces the cookie identified by (name, domain).
// All other fields are overwritten from c.
func (s *State) SetCookie(c Cookie) {
	for i := range s.Cookies {
		if s.Cookies[i].Name == c.Name && s.Cookies[i].Domain == c.Domain {
			s.Cookies[i] = c
			return
		}
	}
	s.Cookies = append(s.Cookies, c)
}
