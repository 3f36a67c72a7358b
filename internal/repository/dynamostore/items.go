package dynamostore

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"supportchat/internal/model"
)

func sessionItem(s model.Session) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"sessionId":       &types.AttributeValueMemberS{Value: s.SessionID},
		"userId":          &types.AttributeValueMemberS{Value: s.UserID},
		"createTimestamp": &types.AttributeValueMemberS{Value: s.CreateTimestamp},
	}
	putOptional(item, "lastSeenTimestamp", s.LastSeenTimestamp)
	putOptional(item, "latestQuestion", s.LatestQuestion)
	putOptional(item, "chatbotId", s.ChatbotID)
	putOptional(item, "status", string(s.Status))
	putOptional(item, "agentId", s.AgentID)
	return item
}

func messageItem(m model.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"messageId":       &types.AttributeValueMemberS{Value: m.MessageID},
		"sessionId":       &types.AttributeValueMemberS{Value: m.SessionID},
		"userId":          &types.AttributeValueMemberS{Value: m.UserID},
		"role":            &types.AttributeValueMemberS{Value: string(m.Role)},
		"content":         &types.AttributeValueMemberS{Value: m.Content},
		"createTimestamp": &types.AttributeValueMemberS{Value: m.CreateTimestamp},
	}
}

func putOptional(item map[string]types.AttributeValue, key, value string) {
	if value != "" {
		item[key] = &types.AttributeValueMemberS{Value: value}
	}
}

func itemToSession(item map[string]types.AttributeValue) (model.Session, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return model.Session{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return model.Session{}, err
	}
	created, err := strAttr(item, "createTimestamp")
	if err != nil {
		return model.Session{}, err
	}
	lastSeen, _ := strAttr(item, "lastSeenTimestamp")
	latest, _ := strAttr(item, "latestQuestion")
	chatbot, _ := strAttr(item, "chatbotId")
	status, _ := strAttr(item, "status")
	agent, _ := strAttr(item, "agentId")

	return model.Session{
		SessionID:         sessionID,
		UserID:            userID,
		CreateTimestamp:   created,
		LastSeenTimestamp: lastSeen,
		LatestQuestion:    latest,
		ChatbotID:         chatbot,
		Status:            model.SessionStatus(status),
		AgentID:           agent,
	}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (model.Message, error) {
	var m model.Message
	var err error
	if m.MessageID, err = strAttr(item, "messageId"); err != nil {
		return model.Message{}, err
	}
	if m.SessionID, err = strAttr(item, "sessionId"); err != nil {
		return model.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return model.Message{}, err
	}
	m.Role = model.Role(role)
	if m.CreateTimestamp, err = strAttr(item, "createTimestamp"); err != nil {
		return model.Message{}, err
	}
	m.Content, _ = strAttr(item, "content") // allow empty
	m.UserID, _ = strAttr(item, "userId")
	return m, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}
