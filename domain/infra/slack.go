package infra

import "github.com/slack-go/slack"

type SlackAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	PostEphemeral(channelID, userID string, options ...slack.MsgOption) (string, error)
	AuthTest() (*slack.AuthTestResponse, error)
	GetUserInfo(userID string) (*slack.User, error)
	OpenConversation(params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
}
