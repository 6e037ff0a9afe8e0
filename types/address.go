package types

// Bus channel addressing. Every room has one broadcast channel, every user
// has one personal alert channel.

func RoomAddress(roomId string) string {
	return "room:" + roomId
}

func UserAddress(userId string) string {
	return "user:" + userId
}
