// Package upload turns client submissions into messages. It validates
// fields, enforces size limits, streams the attachment into the blob store
// and makes sure no blob outlives a failed submission.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"time"

	"msgboard/core"
	"msgboard/metrics"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const (
	// FileField is the multipart field carrying the attachment.
	FileField = "file"

	DefaultMaxTextBytes       = 1 << 20
	DefaultMaxAttachmentBytes = 10 << 20

	// maxClientBytes bounds the display name field.
	maxClientBytes = 1 << 10
	// sniffBytes is how much of an attachment is inspected to guess its type.
	sniffBytes = 3072
)

var errClientRequired = &core.ValidationError{Field: "client", Reason: "is required"}

type (
	// Limits bounds what a single submission may carry.
	Limits struct {
		MaxTextBytes       int64
		MaxAttachmentBytes int64
	}

	// Appender is the message store operation the coordinator needs.
	Appender interface {
		Add(ctx context.Context, draft core.Draft, notify bool) (core.Message, error)
	}

	// Submission is a text post.
	Submission struct {
		Client  string `json:"client" validate:"required"`
		Content string `json:"content"`
	}

	Coordinator struct {
		blobs    core.BlobStore
		messages Appender
		limits   Limits
		validate *validator.Validate
		uploads  inFlight
	}

	// attachment is a blob saved while reading a multipart body.
	attachment struct {
		info     core.BlobInfo
		mimeType string
		filename string
	}
)

func New(blobs core.BlobStore, messages Appender, limits Limits) *Coordinator {
	if limits.MaxTextBytes <= 0 {
		limits.MaxTextBytes = DefaultMaxTextBytes
	}
	if limits.MaxAttachmentBytes <= 0 {
		limits.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	return &Coordinator{
		blobs:    blobs,
		messages: messages,
		limits:   limits,
		validate: validator.New(),
	}
}

// Limits returns the limits in effect.
func (c *Coordinator) Limits() Limits {
	return c.limits
}

// Submit posts a text message.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (core.Message, error) {
	sub.Client = strings.TrimSpace(sub.Client)
	if err := c.check(sub, nil); err != nil {
		metrics.RejectUpload(err)
		return core.Message{}, err
	}
	msg, err := c.messages.Add(ctx, core.Draft{Client: sub.Client, Content: sub.Content}, true)
	if err != nil {
		return core.Message{}, err
	}
	metrics.MessagesCreated.Inc()
	return msg, nil
}

// SubmitJSON decodes a {client, content} body and posts it.
func (c *Coordinator) SubmitJSON(ctx context.Context, body io.Reader) (core.Message, error) {
	var sub Submission
	if err := json.NewDecoder(body).Decode(&sub); err != nil {
		var maxErr *limitReached
		if errors.As(err, &maxErr) {
			return core.Message{}, maxErr.LimitError
		}
		return core.Message{}, &core.ValidationError{Reason: "invalid JSON body"}
	}
	return c.Submit(ctx, sub)
}

// SubmitMultipart reads a multipart body with the fields client and content
// and at most one file part. Further file parts are drained and ignored.
func (c *Coordinator) SubmitMultipart(ctx context.Context, mr *multipart.Reader) (core.Message, error) {
	var (
		sub       Submission
		att       *attachment
		sawClient bool
		endUpload = func() {}
	)
	defer func() { endUpload() }()
	fail := func(err error) (core.Message, error) {
		if att != nil {
			c.discard(ctx, att.info.ID)
		}
		metrics.RejectUpload(err)
		return core.Message{}, err
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *limitReached
			if errors.As(err, &maxErr) {
				return fail(maxErr.LimitError)
			}
			return fail(&core.ValidationError{Reason: "malformed multipart body"})
		}

		switch {
		case part.FileName() != "" || part.FormName() == FileField:
			switch {
			case part.FileName() == "":
				// An empty file input still sends a part.
				err = drain(part)
			case att != nil:
				logrus.WithField("filename", part.FileName()).Debug("Ignoring extra file part")
				err = drain(part)
			case sawClient && strings.TrimSpace(sub.Client) == "":
				// Nothing has been written yet; refuse before storing the file.
				err = errClientRequired
			default:
				endUpload = c.uploads.begin(time.Now())
				att, err = c.saveAttachment(ctx, part)
			}
		case part.FormName() == "client":
			sawClient = true
			sub.Client, err = readField(part, "client", maxClientBytes)
		case part.FormName() == "content":
			sub.Content, err = readField(part, "content", c.limits.MaxTextBytes)
		default:
			err = drain(part)
		}
		_ = part.Close()
		if err != nil {
			return fail(err)
		}
	}

	sub.Client = strings.TrimSpace(sub.Client)
	if err := c.check(sub, att); err != nil {
		return fail(err)
	}

	draft := core.Draft{Client: sub.Client, Content: sub.Content}
	if att != nil {
		if draft.Content == "" {
			draft.Content = att.filename
		}
		if draft.Content == "" {
			draft.Content = att.info.ID
		}
		draft.Attachment = &core.BlobRef{
			ID:       att.info.ID,
			MimeType: att.mimeType,
			Size:     att.info.Size,
		}
	}

	msg, err := c.messages.Add(ctx, draft, true)
	if err != nil {
		if att != nil {
			c.discard(ctx, att.info.ID)
		}
		return core.Message{}, err
	}

	metrics.MessagesCreated.Inc()
	if att != nil {
		metrics.AttachmentBytes.Add(float64(att.info.Size))
		logrus.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"blob_id":    att.info.ID,
			"mime_type":  att.mimeType,
			"size":       att.info.Size,
		}).Info("Attachment stored")
	}
	return msg, nil
}

func (c *Coordinator) check(sub Submission, att *attachment) error {
	if err := c.validate.Struct(sub); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			if fieldErrs[0].Field() == "Client" {
				return errClientRequired
			}
			return &core.ValidationError{Field: strings.ToLower(fieldErrs[0].Field()), Reason: "is required"}
		}
		return &core.ValidationError{Reason: err.Error()}
	}
	if int64(len(sub.Content)) > c.limits.MaxTextBytes {
		return &core.LimitError{What: "content", Limit: c.limits.MaxTextBytes}
	}
	if sub.Content == "" && att == nil {
		return &core.ValidationError{Field: "content", Reason: "is required"}
	}
	return nil
}

func (c *Coordinator) saveAttachment(ctx context.Context, part *multipart.Part) (*attachment, error) {
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(part, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	head = head[:n]

	body := &cappedReader{
		r:     io.MultiReader(bytes.NewReader(head), part),
		limit: c.limits.MaxAttachmentBytes,
	}
	info, err := c.blobs.Save(ctx, body)
	if err != nil {
		return nil, err
	}

	return &attachment{
		info:     info,
		mimeType: resolveMimeType(part.Header.Get("Content-Type"), head),
		filename: part.FileName(),
	}, nil
}

// discard removes a blob that no message will reference. It runs detached
// from ctx so an aborted request still cleans up.
func (c *Coordinator) discard(ctx context.Context, id string) {
	log := logrus.WithField("blob_id", id)
	if err := c.blobs.Delete(context.WithoutCancel(ctx), id); err != nil {
		log.WithError(err).Error("Failed to discard unreferenced blob")
		return
	}
	log.Debug("Discarded unreferenced blob")
}

// resolveMimeType prefers the declared type and sniffs when the client sent
// none or a generic one.
func resolveMimeType(declared string, head []byte) string {
	if declared != "" {
		if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != core.DefaultMimeType {
			return declared
		}
	}
	if len(head) == 0 {
		return core.DefaultMimeType
	}
	return mimetype.Detect(head).String()
}

func readField(part *multipart.Part, name string, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, limit+1))
	if err != nil {
		return "", fmt.Errorf("read field %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return "", &core.LimitError{What: name, Limit: limit}
	}
	return string(data), nil
}

func drain(part *multipart.Part) error {
	_, err := io.Copy(io.Discard, part)
	return err
}
