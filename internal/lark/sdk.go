package lark

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	larksdk "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

var _ Client = (*SDKClient)(nil)

// SDKClient implements Client on the official SDK, which also manages the
// tenant access token.
type SDKClient struct {
	client *larksdk.Client
}

func NewSDKClient(appID, appSecret, baseURL string, timeout time.Duration) *SDKClient {
	return &SDKClient{
		client: larksdk.NewClient(appID, appSecret,
			larksdk.WithOpenBaseUrl(baseURL),
			larksdk.WithReqTimeout(timeout),
			larksdk.WithLogLevel(larkcore.LogLevelWarn),
		),
	}
}

func (c *SDKClient) SendText(ctx context.Context, to Receiver, text string) error {
	content, err := textContent(text)
	if err != nil {
		return err
	}
	return c.send(ctx, to, MsgTypeText, content)
}

func (c *SDKClient) SendCard(ctx context.Context, to Receiver, card Card) error {
	content, err := cardContent(card)
	if err != nil {
		return err
	}
	return c.send(ctx, to, MsgTypeInteractive, content)
}

func (c *SDKClient) send(ctx context.Context, to Receiver, msgType, content string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(string(to.Type)).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(to.ID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()

	resp, err := c.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	if !resp.Success() {
		return &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	return nil
}

func (c *SDKClient) DownloadImage(ctx context.Context, messageID, imageKey string) ([]byte, error) {
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(imageKey).
		Type("image").
		Build()

	resp, err := c.client.Im.V1.MessageResource.Get(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("downloading image: %w", err)
	}
	if !resp.Success() {
		return nil, &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if resp.File == nil {
		return nil, fmt.Errorf("downloading image: empty response")
	}

	data, err := io.ReadAll(resp.File)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return data, nil
}

func (c *SDKClient) AddChatMembers(ctx context.Context, chatID string, openIDs []string) error {
	req := larkim.NewCreateChatMembersReqBuilder().
		ChatId(chatID).
		MemberIdType(string(ReceiveOpenID)).
		Body(larkim.NewCreateChatMembersReqBodyBuilder().
			IdList(openIDs).
			Build()).
		Build()

	resp, err := c.client.Im.V1.ChatMembers.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("adding chat members: %w", err)
	}
	if !resp.Success() {
		return &APIError{Code: resp.Code, Msg: resp.Msg}
	}
	if resp.Data != nil && len(resp.Data.InvalidIdList) > 0 {
		return fmt.Errorf("adding chat members: invalid ids %s", strings.Join(resp.Data.InvalidIdList, ","))
	}
	return nil
}
