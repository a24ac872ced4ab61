package types

import (
	"time"
)

type RoomType string

const (
	RoomTypeDirect  RoomType = "direct"
	RoomTypeGroup   RoomType = "group"
	RoomTypeChannel RoomType = "channel"
)

func (t RoomType) Valid() bool {
	switch t {
	case RoomTypeDirect, RoomTypeGroup, RoomTypeChannel:
		return true
	}
	return false
}

type RoomVisibility string

const (
	VisibilityPublic  RoomVisibility = "public"
	VisibilityPrivate RoomVisibility = "private"
	VisibilityDeleted RoomVisibility = "deleted"
	VisibilityBanned  RoomVisibility = "banned"
)

func (v RoomVisibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityPrivate, VisibilityDeleted, VisibilityBanned:
		return true
	}
	return false
}

// Room is the root of the room aggregate. It is created together with its room roles and members in
// rooms.Creator.Create, later mutations go through persistence.RoomStore.UpdateRoom which bumps Version.
type Room struct {
	Id          string         `json:"id" gorm:"primaryKey;size:36"`
	CreatorId   string         `json:"creator_id" gorm:"size:36;not null;index"`
	Type        RoomType       `json:"type" gorm:"size:16;not null"`
	Name        *string        `json:"name" gorm:"size:100"`
	Slug        *string        `json:"slug" gorm:"size:100;uniqueIndex"`
	Visibility  RoomVisibility `json:"visibility" gorm:"size:16;not null"`
	MemberCount int            `json:"member_count" gorm:"not null;default:0"`
	Settings    RoomSettings   `json:"settings"`
	Version     int64          `json:"version" gorm:"not null;default:1"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"-"`
}

const (
	DefaultDirectMembers  = 2
	DefaultGroupMembers   = 1_000
	DefaultChannelMembers = 1_000_000
)

// MaxMembers returns the member limit for the room type.
func MaxMembers(t RoomType) int {
	switch t {
	case RoomTypeDirect:
		return DefaultDirectMembers
	case RoomTypeChannel:
		return DefaultChannelMembers
	}
	return DefaultGroupMembers
}
