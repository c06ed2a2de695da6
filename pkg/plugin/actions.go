package plugin

import (
	"context"

	"ruabot/pkg/protocol"
)

// Convenience wrappers over API.CallAPI for the common chat-network
// actions. Each returns the response data map from the gateway.

// SendPrivateMsg sends a direct message to a user.
func SendPrivateMsg(ctx context.Context, api API, userID string, message *protocol.Message) (map[string]any, error) {
	return api.CallAPI(ctx, "send_private_msg", map[string]any{
		"user_id": userID,
		"message": message.Array(),
	})
}

// SendGroupMsg sends a message to a group.
func SendGroupMsg(ctx context.Context, api API, groupID string, message *protocol.Message) (map[string]any, error) {
	return api.CallAPI(ctx, "send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  message.Array(),
	})
}

// SendMsg sends a message, routed by explicit message type.
func SendMsg(ctx context.Context, api API, messageType, targetID string, message *protocol.Message) (map[string]any, error) {
	params := map[string]any{
		"message_type": messageType,
		"message":      message.Array(),
	}
	if messageType == "group" {
		params["group_id"] = targetID
	} else {
		params["user_id"] = targetID
	}
	return api.CallAPI(ctx, "send_msg", params)
}

// DeleteMsg recalls a previously sent message.
func DeleteMsg(ctx context.Context, api API, messageID string) (map[string]any, error) {
	return api.CallAPI(ctx, "delete_msg", map[string]any{"message_id": messageID})
}

// GetMsg fetches a message by id.
func GetMsg(ctx context.Context, api API, messageID string) (map[string]any, error) {
	return api.CallAPI(ctx, "get_msg", map[string]any{"message_id": messageID})
}

// SendLike sends profile likes to a user.
func SendLike(ctx context.Context, api API, userID string, times int) (map[string]any, error) {
	return api.CallAPI(ctx, "send_like", map[string]any{
		"user_id": userID,
		"times":   times,
	})
}

// SetGroupBan mutes a group member for the given duration in seconds.
func SetGroupBan(ctx context.Context, api API, groupID, userID string, duration int64) (map[string]any, error) {
	return api.CallAPI(ctx, "set_group_ban", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
		"duration": duration,
	})
}

// GetLoginInfo returns the bot account's own id and nickname.
func GetLoginInfo(ctx context.Context, api API) (map[string]any, error) {
	return api.CallAPI(ctx, "get_login_info", nil)
}

// GetStatus reports the chat network connection status.
func GetStatus(ctx context.Context, api API) (map[string]any, error) {
	return api.CallAPI(ctx, "get_status", nil)
}

// GetFriendList returns the bot's friend roster.
func GetFriendList(ctx context.Context, api API) (map[string]any, error) {
	return api.CallAPI(ctx, "get_friend_list", nil)
}

// GetGroupList returns the groups the bot belongs to.
func GetGroupList(ctx context.Context, api API) (map[string]any, error) {
	return api.CallAPI(ctx, "get_group_list", nil)
}

// GetGroupInfo returns details for one group.
func GetGroupInfo(ctx context.Context, api API, groupID string) (map[string]any, error) {
	return api.CallAPI(ctx, "get_group_info", map[string]any{"group_id": groupID})
}

// GetGroupMemberList returns the member roster for one group.
func GetGroupMemberList(ctx context.Context, api API, groupID string) (map[string]any, error) {
	return api.CallAPI(ctx, "get_group_member_list", map[string]any{"group_id": groupID})
}
