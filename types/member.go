package types

import "time"

type MemberStatus string

const (
	MemberActive MemberStatus = "active"
	MemberMuted  MemberStatus = "muted"
	MemberBanned MemberStatus = "banned"
)

func (s MemberStatus) Valid() bool {
	switch s {
	case MemberActive, MemberMuted, MemberBanned:
		return true
	}
	return false
}

// Member is the membership of one user in one room, bound to one room role.
type Member struct {
	Id         string       `json:"id" gorm:"primaryKey;size:36"`
	UserId     string       `json:"user_id" gorm:"size:36;not null;uniqueIndex:idx_member_identity"`
	RoomId     string       `json:"room_id" gorm:"size:36;not null;uniqueIndex:idx_member_identity;index"`
	RoomRoleId string       `json:"room_role_id" gorm:"size:36;not null"`
	Status     MemberStatus `json:"status" gorm:"size:16;not null"`
	JoinedAt   time.Time    `json:"joined_at"`
}
