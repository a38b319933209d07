package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"pagetree/api/internal/search"
	"pagetree/api/internal/store"
	"pagetree/api/internal/tree"
	"pagetree/api/internal/util"
)

type BlockView struct {
	ID            string          `json:"id"`
	PageID        string          `json:"pageId"`
	ParentBlockID *string         `json:"parentBlockId"`
	SortOrder     int             `json:"sortOrder"`
	BlockType     string          `json:"blockType"`
	Content       json.RawMessage `json:"content"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type CommentView struct {
	ID        string    `json:"id"`
	PageID    string    `json:"pageId"`
	BlockID   *string   `json:"blockId,omitempty"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type AttachmentView struct {
	ID          string    `json:"id"`
	PageID      string    `json:"pageId"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	UploadedBy  string    `json:"uploadedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

type CreateBlockInput struct {
	ParentBlockID string          `json:"parentBlockId"`
	AfterID       string          `json:"afterId"`
	BlockType     string          `json:"blockType"`
	Content       json.RawMessage `json:"content"`
}

type ReorderBlocksInput struct {
	ParentBlockID string   `json:"parentBlockId"`
	OrderedIDs    []string `json:"orderedIds"`
}

type CreateCommentInput struct {
	BlockID string `json:"blockId"`
	Body    string `json:"body"`
}

func blockView(block store.Block) BlockView {
	var content json.RawMessage
	if block.Content != "" {
		content = json.RawMessage(block.Content)
	}
	return BlockView{
		ID:            block.ID,
		PageID:        block.PageID,
		ParentBlockID: block.ParentBlockID,
		SortOrder:     block.SortOrder,
		BlockType:     block.BlockType,
		Content:       content,
		UpdatedAt:     block.UpdatedAt,
	}
}

func blockElems(blocks []store.Block) []tree.Elem {
	elems := make([]tree.Elem, 0, len(blocks))
	for _, block := range blocks {
		elems = append(elems, tree.Elem{ID: block.ID, Order: block.SortOrder})
	}
	return elems
}

// requirePage fetches a node and checks it is a page.
func (s *Service) requirePage(ctx context.Context, pageID string) (store.Node, error) {
	node, err := s.store.GetNode(ctx, pageID)
	if isNoRows(err) {
		return store.Node{}, domainError(http.StatusNotFound, "NOT_FOUND", "page not found", nil)
	}
	if err != nil {
		return store.Node{}, err
	}
	if node.Kind != store.KindPage {
		return store.Node{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "node is not a page", nil)
	}
	return node, nil
}

func requirePageTx(ctx context.Context, tx store.Tx, pageID string) (store.Node, error) {
	node, err := tx.GetNodeForUpdate(ctx, pageID)
	if isNoRows(err) {
		return store.Node{}, domainError(http.StatusNotFound, "NOT_FOUND", "page not found", nil)
	}
	if err != nil {
		return store.Node{}, err
	}
	if node.Kind != store.KindPage {
		return store.Node{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "node is not a page", nil)
	}
	return node, nil
}

func (s *Service) PageBlocks(ctx context.Context, pageID string) ([]BlockView, error) {
	if _, err := s.requirePage(ctx, pageID); err != nil {
		return nil, err
	}
	blocks, err := s.store.ListBlocks(ctx, pageID)
	if err != nil {
		return nil, err
	}
	views := make([]BlockView, 0, len(blocks))
	for _, block := range blocks {
		views = append(views, blockView(block))
	}
	return views, nil
}

// CreateBlock inserts a block into its sibling group on a page, shifting the
// tail on insert-after. Blocks share the renumbering rules with tree nodes.
func (s *Service) CreateBlock(ctx context.Context, pageID string, input CreateBlockInput, actor string) (BlockView, error) {
	blockType := strings.TrimSpace(input.BlockType)
	if blockType == "" {
		blockType = "paragraph"
	}

	var created store.Block
	err := s.runStructural(ctx, func(tx store.Tx) error {
		page, err := requirePageTx(ctx, tx, pageID)
		if err != nil {
			return err
		}

		var parentBlockID *string
		if input.ParentBlockID != "" {
			parentBlock, err := tx.GetBlockForUpdate(ctx, input.ParentBlockID)
			if isNoRows(err) {
				return domainError(http.StatusNotFound, "NOT_FOUND", "parent block not found", nil)
			}
			if err != nil {
				return err
			}
			if parentBlock.PageID != page.ID {
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parent block belongs to a different page", nil)
			}
			id := parentBlock.ID
			parentBlockID = &id
		}

		siblings, err := tx.BlockSiblingsForUpdate(ctx, page.ID, parentBlockID)
		if err != nil {
			return err
		}
		plan, err := tree.PlanInsert(blockElems(siblings), input.AfterID)
		if errors.Is(err, tree.ErrSiblingNotFound) {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "afterId is not a sibling of the new block", nil)
		}
		if err != nil {
			return err
		}
		for _, shift := range plan.Shifts {
			if err := tx.SetBlockOrder(ctx, shift.ID, shift.Order); err != nil {
				return err
			}
		}

		block := store.Block{
			ID:            util.NewID("blk"),
			PageID:        page.ID,
			ParentBlockID: parentBlockID,
			SortOrder:     plan.Order,
			BlockType:     blockType,
			Content:       string(input.Content),
		}
		if err := tx.InsertBlock(ctx, block); err != nil {
			return err
		}
		created = block
		return nil
	})
	if err != nil {
		return BlockView{}, err
	}

	s.emitChange("blocks.changed", pageID, store.KindPage, "", actor)
	return blockView(created), nil
}

// ReorderBlocks rewrites one block sibling group to the given permutation.
func (s *Service) ReorderBlocks(ctx context.Context, pageID string, input ReorderBlocksInput, actor string) error {
	if len(input.OrderedIDs) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderedIds is required", nil)
	}

	err := s.runStructural(ctx, func(tx store.Tx) error {
		page, err := requirePageTx(ctx, tx, pageID)
		if err != nil {
			return err
		}

		var parentBlockID *string
		if input.ParentBlockID != "" {
			id := input.ParentBlockID
			parentBlockID = &id
		}
		siblings, err := tx.BlockSiblingsForUpdate(ctx, page.ID, parentBlockID)
		if err != nil {
			return err
		}
		shifts, err := tree.PlanReorder(blockElems(siblings), input.OrderedIDs)
		if errors.Is(err, tree.ErrSiblingSetMismatch) {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderedIds must be an exact permutation of the current block group", nil)
		}
		if err != nil {
			return err
		}

		current := make(map[string]int, len(siblings))
		for _, sibling := range siblings {
			current[sibling.ID] = sibling.SortOrder
		}
		for _, shift := range shifts {
			if current[shift.ID] == shift.Order {
				continue
			}
			if err := tx.SetBlockOrder(ctx, shift.ID, shift.Order); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.emitChange("blocks.changed", pageID, store.KindPage, "", actor)
	return nil
}

// DeleteBlock removes a block and its nested children, closing the order gap
// it leaves in its sibling group.
func (s *Service) DeleteBlock(ctx context.Context, blockID string, actor string) error {
	var pageID string
	err := s.runStructural(ctx, func(tx store.Tx) error {
		block, err := tx.GetBlockForUpdate(ctx, blockID)
		if isNoRows(err) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "block not found", nil)
		}
		if err != nil {
			return err
		}
		pageID = block.PageID

		siblings, err := tx.BlockSiblingsForUpdate(ctx, block.PageID, block.ParentBlockID)
		if err != nil {
			return err
		}

		if err := tx.DeleteBlock(ctx, blockID); err != nil {
			return err
		}

		remaining := make([]store.Block, 0, len(siblings))
		for _, sibling := range siblings {
			if sibling.ID != blockID {
				remaining = append(remaining, sibling)
			}
		}
		for _, shift := range tree.PlanRemove(blockElems(remaining), block.SortOrder) {
			if err := tx.SetBlockOrder(ctx, shift.ID, shift.Order); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.emitChange("blocks.changed", pageID, store.KindPage, "", actor)
	return nil
}

func (s *Service) PageComments(ctx context.Context, pageID string) ([]CommentView, error) {
	if _, err := s.requirePage(ctx, pageID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, pageID)
	if err != nil {
		return nil, err
	}
	views := make([]CommentView, 0, len(comments))
	for _, comment := range comments {
		views = append(views, CommentView{
			ID:        comment.ID,
			PageID:    comment.PageID,
			BlockID:   comment.BlockID,
			Author:    comment.Author,
			Body:      comment.Body,
			CreatedAt: comment.CreatedAt,
		})
	}
	return views, nil
}

func (s *Service) CreateComment(ctx context.Context, pageID string, input CreateCommentInput, actor string) (CommentView, error) {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return CommentView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	if _, err := s.requirePage(ctx, pageID); err != nil {
		return CommentView{}, err
	}

	comment := store.Comment{
		ID:     util.NewID("cmt"),
		PageID: pageID,
		Author: actor,
		Body:   body,
	}
	if input.BlockID != "" {
		blockID := input.BlockID
		comment.BlockID = &blockID
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return CommentView{}, err
	}
	comment.CreatedAt = time.Now()

	return CommentView{
		ID:        comment.ID,
		PageID:    comment.PageID,
		BlockID:   comment.BlockID,
		Author:    comment.Author,
		Body:      comment.Body,
		CreatedAt: comment.CreatedAt,
	}, nil
}

func (s *Service) PageAttachments(ctx context.Context, pageID string) ([]AttachmentView, error) {
	if _, err := s.requirePage(ctx, pageID); err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, pageID)
	if err != nil {
		return nil, err
	}
	views := make([]AttachmentView, 0, len(attachments))
	for _, attachment := range attachments {
		views = append(views, attachmentView(attachment))
	}
	return views, nil
}

func attachmentView(attachment store.Attachment) AttachmentView {
	return AttachmentView{
		ID:          attachment.ID,
		PageID:      attachment.PageID,
		FileName:    attachment.FileName,
		ContentType: attachment.ContentType,
		SizeBytes:   attachment.SizeBytes,
		UploadedBy:  attachment.UploadedBy,
		CreatedAt:   attachment.CreatedAt,
	}
}

// CreateAttachment uploads the payload to blob storage and records metadata.
func (s *Service) CreateAttachment(ctx context.Context, pageID, fileName, contentType string, size int64, body io.Reader, actor string) (AttachmentView, error) {
	if s.blobs == nil {
		return AttachmentView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "attachment storage is not configured", nil)
	}
	fileName = path.Base(strings.TrimSpace(fileName))
	if fileName == "" || fileName == "." || fileName == "/" {
		return AttachmentView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "fileName is required", nil)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := s.requirePage(ctx, pageID); err != nil {
		return AttachmentView{}, err
	}

	id := util.NewID("att")
	objectKey := pageID + "/" + id + "/" + fileName
	if err := s.blobs.Put(ctx, objectKey, body, size, contentType); err != nil {
		return AttachmentView{}, err
	}

	attachment := store.Attachment{
		ID:          id,
		PageID:      pageID,
		FileName:    fileName,
		ObjectKey:   objectKey,
		ContentType: contentType,
		SizeBytes:   size,
		UploadedBy:  actor,
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		return AttachmentView{}, err
	}
	attachment.CreatedAt = time.Now()

	return attachmentView(attachment), nil
}

// Search queries node titles via the search facade.
func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	_ = ctx
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}
