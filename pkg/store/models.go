package store

import (
	"gorm.io/datatypes"

	"streamchat/pkg/domain"
)

// GORM models used for persistence. Timestamps are unix milliseconds.
type ThreadModel struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"not null;index"`
	Title            string
	GenerationStatus string `gorm:"not null"`
	CreatedAt        int64  `gorm:"not null;autoCreateTime:milli"`
	UpdatedAt        int64  `gorm:"not null;autoUpdateTime:milli"`
}

type MessageModel struct {
	ID                string                                      `gorm:"primaryKey"`
	ThreadID          string                                      `gorm:"not null;index:idx_messages_thread_created,priority:1"`
	Role              string                                      `gorm:"not null"`
	Content           string                                      `gorm:"type:text;not null"`
	Reasoning         string                                      `gorm:"type:text"`
	Status            string                                      `gorm:"not null;index"`
	Model             string
	Tools             datatypes.JSONType[[]domain.ToolInvocation] `gorm:"type:jsonb"`
	AttachmentIDs     datatypes.JSONSlice[string]                 `gorm:"type:jsonb"`
	ProviderMetadata  datatypes.JSONMap                           `gorm:"type:jsonb"`
	ResumableStreamID string
	CreatedAt         int64                                       `gorm:"not null;autoCreateTime:milli;index:idx_messages_thread_created,priority:2"`
	UpdatedAt         int64                                       `gorm:"not null;autoUpdateTime:milli"`
}

type AttachmentModel struct {
	ID         string `gorm:"primaryKey"`
	ThreadID   string `gorm:"not null;index"`
	MessageID  string `gorm:"not null;index"`
	FileName   string `gorm:"not null"`
	MimeType   string
	StorageKey string
	URL        string
	Deleted    bool  `gorm:"not null;default:false"`
	CreatedAt  int64 `gorm:"not null;autoCreateTime:milli"`
}

func threadToModel(t domain.Thread) ThreadModel {
	return ThreadModel{
		ID:               t.ID,
		UserID:           t.UserID,
		Title:            t.Title,
		GenerationStatus: string(t.GenerationStatus),
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func threadFromModel(m ThreadModel) domain.Thread {
	return domain.Thread{
		ID:               m.ID,
		UserID:           m.UserID,
		Title:            m.Title,
		GenerationStatus: domain.GenerationStatus(m.GenerationStatus),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	model := MessageModel{
		ID:                msg.ID,
		ThreadID:          msg.ThreadID,
		Role:              string(msg.Role),
		Content:           msg.Content,
		Reasoning:         msg.Reasoning,
		Status:            string(msg.Status),
		Model:             msg.Model,
		Tools:             datatypes.NewJSONType(msg.Tools),
		AttachmentIDs:     datatypes.JSONSlice[string](msg.AttachmentIDs),
		ResumableStreamID: msg.ResumableStreamID,
		CreatedAt:         msg.CreatedAt,
		UpdatedAt:         msg.UpdatedAt,
	}
	if len(msg.ProviderMetadata) > 0 {
		model.ProviderMetadata = datatypes.JSONMap(msg.ProviderMetadata)
	}
	return model
}

func messageFromModel(m MessageModel) domain.Message {
	msg := domain.Message{
		ID:                m.ID,
		ThreadID:          m.ThreadID,
		Role:              domain.Role(m.Role),
		Content:           m.Content,
		Reasoning:         m.Reasoning,
		Status:            domain.MessageStatus(m.Status),
		Model:             m.Model,
		Tools:             m.Tools.Data(),
		ResumableStreamID: m.ResumableStreamID,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if len(m.AttachmentIDs) > 0 {
		msg.AttachmentIDs = []string(m.AttachmentIDs)
	}
	if len(m.ProviderMetadata) > 0 {
		msg.ProviderMetadata = map[string]any(m.ProviderMetadata)
	}
	return msg
}

func attachmentToModel(a domain.Attachment) AttachmentModel {
	return AttachmentModel{
		ID:         a.ID,
		ThreadID:   a.ThreadID,
		MessageID:  a.MessageID,
		FileName:   a.FileName,
		MimeType:   a.MimeType,
		StorageKey: a.StorageKey,
		URL:        a.URL,
		Deleted:    a.Deleted,
		CreatedAt:  a.CreatedAt,
	}
}

func attachmentFromModel(m AttachmentModel) domain.Attachment {
	return domain.Attachment{
		ID:         m.ID,
		ThreadID:   m.ThreadID,
		MessageID:  m.MessageID,
		FileName:   m.FileName,
		MimeType:   m.MimeType,
		StorageKey: m.StorageKey,
		URL:        m.URL,
		Deleted:    m.Deleted,
		CreatedAt:  m.CreatedAt,
	}
}
