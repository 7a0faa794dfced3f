package api

import "github.com/GetStream/event-chat/chat"

// An EventRequest is the body of a create event request.
type EventRequest struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=5000"`
	Date        string   `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Time        string   `json:"time" validate:"omitempty,datetime=15:04"`
	Location    string   `json:"location" validate:"required,max=500"`
	Latitude    *float64 `json:"latitude" validate:"omitempty,latitude"`
	Longitude   *float64 `json:"longitude" validate:"omitempty,longitude"`
	WorkType    string   `json:"work_type" validate:"max=100"`
	MemberCap   int      `json:"member_cap" validate:"gte=0,lte=100000"`
}

// Event returns the event described by the request, created by u.
func (req EventRequest) Event(u chat.User) chat.Event {
	return chat.Event{
		Title:                 req.Title,
		Description:           req.Description,
		Date:                  req.Date,
		Time:                  req.Time,
		Location:              req.Location,
		Latitude:              req.Latitude,
		Longitude:             req.Longitude,
		WorkType:              req.WorkType,
		MemberCap:             req.MemberCap,
		Creator:               u.Name(),
		CreatorUID:            u.UID,
		CreatorEmail:          u.Email,
		CreatorProfilePicture: u.PhotoURL,
	}
}

// An EventPatch is the body of an update event request. Absent fields are
// left unchanged.
type EventPatch struct {
	Title       *string  `json:"title" validate:"omitempty,min=1,max=200"`
	Description *string  `json:"description" validate:"omitempty,max=5000"`
	Date        *string  `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Time        *string  `json:"time" validate:"omitempty,datetime=15:04"`
	Location    *string  `json:"location" validate:"omitempty,min=1,max=500"`
	Latitude    *float64 `json:"latitude" validate:"omitempty,latitude"`
	Longitude   *float64 `json:"longitude" validate:"omitempty,longitude"`
	WorkType    *string  `json:"work_type" validate:"omitempty,max=100"`
	MemberCap   *int     `json:"member_cap" validate:"omitempty,gte=0,lte=100000"`
}

func (p EventPatch) Update() chat.EventUpdate {
	return chat.EventUpdate{
		Title:       p.Title,
		Description: p.Description,
		Date:        p.Date,
		Time:        p.Time,
		Location:    p.Location,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		WorkType:    p.WorkType,
		MemberCap:   p.MemberCap,
	}
}

// A ProfilePatch is the body of an update profile request.
type ProfilePatch struct {
	DisplayName    *string `json:"display_name" validate:"omitempty,min=1,max=80"`
	ProfilePicture *string `json:"profile_picture" validate:"omitempty,url"`
	Bio            *string `json:"bio" validate:"omitempty,max=500"`
}

func (p ProfilePatch) Update() chat.ProfileUpdate {
	return chat.ProfileUpdate{
		DisplayName:    p.DisplayName,
		ProfilePicture: p.ProfilePicture,
		Bio:            p.Bio,
	}
}
