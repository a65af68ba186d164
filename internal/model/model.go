// Package model defines domain entities shared by the backends, stores and the coordinator.
package model

import (
	"strings"
	"time"
)

// Placeholder names written into a freshly created profile.
const (
	DefaultName       = "No Name"
	DefaultFamilyName = "No Last Name"
)

// Principal is the identity the authentication backend reports as signed in.
type Principal struct {
	UID         string
	Email       string
	DisplayName string
	CreatedAt   time.Time // account creation time as reported by the backend
}

// Session is the profile-backed view of the signed-in principal.
type Session struct {
	SubjectID   string // empty = unauthenticated
	Email       string
	DisplayName string
	FamilyName  string
	CreatedAt   time.Time
}

// Listing is a rentable property. ID is empty until the store assigns one.
type Listing struct {
	ID          string  `firestore:"id" json:"id"`
	Name        string  `firestore:"name" json:"name"`
	HostName    string  `firestore:"hostName" json:"hostName"`
	RoomInfo    string  `firestore:"roomInfo" json:"roomInfo"`
	Description string  `firestore:"description" json:"description"`
	Rating      float64 `firestore:"rating" json:"rating"`
	Cost        float64 `firestore:"cost" json:"cost"`
}

// Profile is the per-user record in the users collection; ID equals the principal UID.
// TripLocations holds reserved listing ids and may contain blanks written by older clients.
type Profile struct {
	ID            string    `firestore:"id" json:"id"`
	Name          string    `firestore:"name" json:"name"`
	FamilyName    string    `firestore:"familyName" json:"familyName"`
	Email         string    `firestore:"email" json:"email"`
	SignUpDate    time.Time `firestore:"signUpDate" json:"signUpDate"`
	TripLocations []string  `firestore:"tripLocations" json:"tripLocations"`
}

// Image is an entry of the per-user images collection.
type Image struct {
	URL       string    `firestore:"url" json:"url"`
	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`
}

// NewProfile returns the default profile created at sign-up for p.
func NewProfile(p Principal) Profile {
	return Profile{
		ID:            p.UID,
		Name:          DefaultName,
		FamilyName:    DefaultFamilyName,
		Email:         p.Email,
		SignUpDate:    p.CreatedAt,
		TripLocations: []string{},
	}
}

// Clone returns a deep copy so callers never share the trip slice.
func (p Profile) Clone() Profile {
	c := p
	c.TripLocations = append([]string(nil), p.TripLocations...)
	return c
}

// ValidTrips returns the non-blank trip ids in order, without duplicates.
func (p Profile) ValidTrips() []string {
	out := make([]string, 0, len(p.TripLocations))
	seen := make(map[string]struct{}, len(p.TripLocations))
	for _, id := range p.TripLocations {
		if IsBlank(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// BlankTrips returns the distinct blank entries of TripLocations.
func (p Profile) BlankTrips() []string {
	var out []string
	seen := map[string]struct{}{}
	for _, id := range p.TripLocations {
		if !IsBlank(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// HasTrip reports whether listingID is already reserved.
func (p Profile) HasTrip(listingID string) bool {
	for _, id := range p.TripLocations {
		if id == listingID {
			return true
		}
	}
	return false
}

// Session derives the session view from the profile.
func (p Profile) Session() Session {
	return Session{
		SubjectID:   p.ID,
		Email:       p.Email,
		DisplayName: p.Name,
		FamilyName:  p.FamilyName,
		CreatedAt:   p.SignUpDate,
	}
}

// IsBlank reports whether a trip entry carries no listing id.
func IsBlank(s string) bool { return strings.TrimSpace(s) == "" }
