package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"pagetree/api/internal/auth"
	"pagetree/api/internal/blob"
	"pagetree/api/internal/config"
	"pagetree/api/internal/notify"
	"pagetree/api/internal/search"
	"pagetree/api/internal/store"
	"pagetree/api/internal/tree"
	"pagetree/api/internal/util"
)

type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CreateNodeInput struct {
	Kind       string          `json:"kind"`
	ParentID   string          `json:"parentId"`
	AfterID    string          `json:"afterId"`
	Title      string          `json:"title"`
	Icon       string          `json:"icon"`
	Status     string          `json:"status"`
	Assignees  []string        `json:"assignees"`
	Properties json.RawMessage `json:"properties"`
}

type UpdateNodeInput struct {
	Title      *string         `json:"title"`
	Icon       *string         `json:"icon"`
	Status     *string         `json:"status"`
	Assignees  *[]string       `json:"assignees"`
	Properties json.RawMessage `json:"properties"`
}

type MoveNodeInput struct {
	NewParentID string `json:"newParentId"`
	AfterID     string `json:"afterId"`
}

type ReorderNodesInput struct {
	// ParentID empty means the root section group.
	ParentID   string   `json:"parentId"`
	Kind       string   `json:"kind"`
	OrderedIDs []string `json:"orderedIds"`
}

type DeleteResult struct {
	DeletedIDs []string `json:"deletedIds"`
}

type NodeView struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	ParentID     *string         `json:"parentId"`
	SectionID    *string         `json:"sectionId,omitempty"`
	SubsectionID *string         `json:"subsectionId,omitempty"`
	SortOrder    int             `json:"sortOrder"`
	Title        string          `json:"title"`
	Icon         string          `json:"icon,omitempty"`
	Status       string          `json:"status,omitempty"`
	Assignees    []string        `json:"assignees"`
	Properties   json.RawMessage `json:"properties,omitempty"`
	UpdatedBy    string          `json:"updatedBy,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	Children     []NodeView      `json:"children"`
}

type BreadcrumbView struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Title string `json:"title"`
}

type WorkspaceView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

var kindPrefixes = map[string]string{
	store.KindSection:    "sec",
	store.KindSubsection: "sub",
	store.KindPage:       "page",
}

type dataStore interface {
	RunTransaction(ctx context.Context, fn func(tx store.Tx) error) error
	GetNode(ctx context.Context, id string) (store.Node, error)
	GetChildren(ctx context.Context, parentID *string, kind string) ([]store.Node, error)
	AllChildren(ctx context.Context, parentID string) ([]store.Node, error)
	ListNodes(ctx context.Context) ([]store.Node, error)
	CountNodes(ctx context.Context) (int, error)
	ListBlocks(ctx context.Context, pageID string) ([]store.Block, error)
	ListComments(ctx context.Context, pageID string) ([]store.Comment, error)
	ListAttachments(ctx context.Context, pageID string) ([]store.Attachment, error)
	InsertComment(ctx context.Context, comment store.Comment) error
	InsertAttachment(ctx context.Context, attachment store.Attachment) error
	GetDefaultWorkspace(ctx context.Context) (store.Workspace, error)
	InsertWorkspace(ctx context.Context, workspace store.Workspace) error
	Ping(ctx context.Context) error
}

type changeNotifier interface {
	Publish(ctx context.Context, change notify.Change)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexNode(record search.NodeRecord)
	RemoveNodes(ids []string)
}

type blobStore interface {
	Put(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, objectKeys []string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	notifier changeNotifier
	search   searchIndex
	blobs    blobStore
}

// New wires the service. notifier, searchService, and blobs are optional;
// nil disables the corresponding side effect.
func New(cfg config.Config, dataStore *store.PostgresStore, notifier *notify.RedisNotifier, searchService *search.Service, blobs *blob.Store) *Service {
	s := &Service{cfg: cfg, store: dataStore}
	if notifier != nil {
		s.notifier = notifier
	}
	if searchService != nil {
		s.search = searchService
	}
	if blobs != nil {
		s.blobs = blobs
	}
	return s
}

// txReader adapts a store transaction to the invariant engine's Reader, so
// every check runs against post-lock state inside the same transaction.
type txReader struct {
	tx store.Tx
}

func (r txReader) Node(ctx context.Context, id string) (store.Node, bool, error) {
	node, err := r.tx.GetNode(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Node{}, false, nil
	}
	if err != nil {
		return store.Node{}, false, err
	}
	return node, true, nil
}

func (r txReader) Children(ctx context.Context, parentID string) ([]store.Node, error) {
	return r.tx.AllChildren(ctx, parentID)
}

// lockingTxReader is a txReader whose point reads take row locks. The cycle,
// depth, and containment checks before a reparent read through it, so two
// concurrent moves whose ancestor chains overlap collide on a lock (and map to
// CONFLICT) instead of both committing and closing a cycle.
type lockingTxReader struct {
	tx store.Tx
}

func (r lockingTxReader) Node(ctx context.Context, id string) (store.Node, bool, error) {
	node, err := r.tx.GetNodeForUpdate(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Node{}, false, nil
	}
	if err != nil {
		return store.Node{}, false, err
	}
	return node, true, nil
}

func (r lockingTxReader) Children(ctx context.Context, parentID string) ([]store.Node, error) {
	return r.tx.AllChildren(ctx, parentID)
}

// storeReader backs read-only projections (breadcrumbs) outside a transaction.
type storeReader struct {
	store dataStore
}

func (r storeReader) Node(ctx context.Context, id string) (store.Node, bool, error) {
	node, err := r.store.GetNode(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Node{}, false, nil
	}
	if err != nil {
		return store.Node{}, false, err
	}
	return node, true, nil
}

func (r storeReader) Children(ctx context.Context, parentID string) ([]store.Node, error) {
	return r.store.AllChildren(ctx, parentID)
}

// runStructural runs one mutation transaction and translates transactional
// races and corruption signals into the domain error taxonomy.
func (s *Service) runStructural(ctx context.Context, fn func(tx store.Tx) error) error {
	err := s.store.RunTransaction(ctx, fn)
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if store.IsConflict(err) {
		return domainError(http.StatusConflict, "CONFLICT", "lost a race with a concurrent structural change, retry the request", nil)
	}
	if errors.Is(err, tree.ErrDepthLimitExceeded) {
		return domainError(http.StatusInternalServerError, "DEPTH_LIMIT_EXCEEDED", "ancestor walk exceeded the depth limit, tree data may be corrupt", nil)
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nodeElems(nodes []store.Node) []tree.Elem {
	elems := make([]tree.Elem, 0, len(nodes))
	for _, node := range nodes {
		elems = append(elems, tree.Elem{ID: node.ID, Order: node.SortOrder})
	}
	return elems
}

func excludeNode(nodes []store.Node, id string) []store.Node {
	out := make([]store.Node, 0, len(nodes))
	for _, node := range nodes {
		if node.ID != id {
			out = append(out, node)
		}
	}
	return out
}

func nodeView(node store.Node, children []NodeView) NodeView {
	assignees := node.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	var properties json.RawMessage
	if node.Properties != "" {
		properties = json.RawMessage(node.Properties)
	}
	if children == nil {
		children = []NodeView{}
	}
	return NodeView{
		ID:           node.ID,
		Kind:         node.Kind,
		ParentID:     node.ParentID,
		SectionID:    node.SectionID,
		SubsectionID: node.SubsectionID,
		SortOrder:    node.SortOrder,
		Title:        node.Title,
		Icon:         node.Icon,
		Status:       node.Status,
		Assignees:    assignees,
		Properties:   properties,
		UpdatedBy:    node.UpdatedBy,
		UpdatedAt:    node.UpdatedAt,
		Children:     children,
	}
}

func (s *Service) emitChange(change, nodeID, kind, title, actor string) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.notifier.Publish(ctx, notify.Change{Change: change, NodeID: nodeID, Kind: kind, Title: title, Actor: actor})
}

func searchRecord(node store.Node) search.NodeRecord {
	sectionID := ""
	if node.SectionID != nil {
		sectionID = *node.SectionID
	}
	if node.Kind == store.KindSection {
		sectionID = node.ID
	}
	return search.NodeRecord{
		ID:        node.ID,
		Kind:      node.Kind,
		Title:     node.Title,
		SectionID: sectionID,
		Status:    node.Status,
	}
}

func (s *Service) indexNode(node store.Node) {
	if s.search == nil {
		return
	}
	s.search.IndexNode(searchRecord(node))
}

func (s *Service) removeFromIndex(ids []string) {
	if s.search == nil {
		return
	}
	s.search.RemoveNodes(ids)
}

// Login is the dev identity endpoint: any name gets a signed actor token.
func (s *Service) Login(name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	expiresAt := time.Now().Add(s.cfg.TokenTTL)
	userID := util.NewID("usr")
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  userID,
		Name: userName,
		JTI:  util.NewID("jti"),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{Token: token, UserID: userID, UserName: userName, ExpiresAt: expiresAt}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Workspace(ctx context.Context) (WorkspaceView, error) {
	workspace, err := s.store.GetDefaultWorkspace(ctx)
	if isNoRows(err) {
		return WorkspaceView{}, domainError(http.StatusNotFound, "NOT_FOUND", "no workspace configured", nil)
	}
	if err != nil {
		return WorkspaceView{}, err
	}
	return WorkspaceView{ID: workspace.ID, Name: workspace.Name, Slug: workspace.Slug}, nil
}

// CreateNode inserts one node into its sibling group, shifting the tail when
// placed after a specific sibling.
func (s *Service) CreateNode(ctx context.Context, input CreateNodeInput, actor string) (NodeView, error) {
	kind := strings.TrimSpace(input.Kind)
	prefix, ok := kindPrefixes[kind]
	if !ok {
		return NodeView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be one of section, subsection, page", nil)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return NodeView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if kind == store.KindSection && input.ParentID != "" {
		return NodeView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sections are root nodes and take no parent", nil)
	}
	if kind != store.KindSection && input.ParentID == "" {
		return NodeView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "parentId is required for subsections and pages", nil)
	}

	workspace, err := s.store.GetDefaultWorkspace(ctx)
	if err != nil {
		return NodeView{}, err
	}

	var created store.Node
	err = s.runStructural(ctx, func(tx store.Tx) error {
		// lock the parent chain while validating it, see lockingTxReader
		reader := lockingTxReader{tx}

		var parentID *string
		if input.ParentID != "" {
			parent, err := tx.GetNodeForUpdate(ctx, input.ParentID)
			if isNoRows(err) {
				return domainError(http.StatusNotFound, "NOT_FOUND", "parent node not found", nil)
			}
			if err != nil {
				return err
			}
			if kind == store.KindSubsection && parent.Kind != store.KindSection {
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "subsections can only be created under a section", nil)
			}
			if _, err := tree.Depth(ctx, reader, parent.ID); err != nil {
				return err
			}
			id := parent.ID
			parentID = &id
		}

		node := store.Node{
			ID:          util.NewID(prefix),
			WorkspaceID: workspace.ID,
			Kind:        kind,
			ParentID:    parentID,
			Title:       title,
			Icon:        input.Icon,
			Status:      input.Status,
			Assignees:   input.Assignees,
			Properties:  string(input.Properties),
			UpdatedBy:   actor,
		}
		switch kind {
		case store.KindSubsection:
			node.SectionID = parentID
		case store.KindPage:
			containment, err := tree.ResolveContainment(ctx, reader, *parentID)
			if err != nil {
				if errors.Is(err, tree.ErrDepthLimitExceeded) {
					return err
				}
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "page parent does not resolve to a section", nil)
			}
			sectionID := containment.SectionID
			node.SectionID = &sectionID
			node.SubsectionID = containment.SubsectionID
		}

		siblings, err := tx.ChildrenForUpdate(ctx, parentID, kind)
		if err != nil {
			return err
		}
		plan, err := tree.PlanInsert(nodeElems(siblings), input.AfterID)
		if errors.Is(err, tree.ErrSiblingNotFound) {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "afterId is not a sibling of the new node", nil)
		}
		if err != nil {
			return err
		}
		for _, shift := range plan.Shifts {
			if err := tx.SetNodeOrder(ctx, shift.ID, shift.Order); err != nil {
				return err
			}
		}

		node.SortOrder = plan.Order
		if err := tx.InsertNode(ctx, node); err != nil {
			return err
		}
		created = node
		return nil
	})
	if err != nil {
		return NodeView{}, err
	}

	s.emitChange("node.created", created.ID, created.Kind, created.Title, actor)
	s.indexNode(created)
	return nodeView(created, nil), nil
}

func (s *Service) Node(ctx context.Context, id string) (NodeView, error) {
	node, err := s.store.GetNode(ctx, id)
	if isNoRows(err) {
		return NodeView{}, domainError(http.StatusNotFound, "NOT_FOUND", "node not found", nil)
	}
	if err != nil {
		return NodeView{}, err
	}
	return nodeView(node, nil), nil
}

// UpdateNode patches page payload and titles; structure is untouched.
func (s *Service) UpdateNode(ctx context.Context, id string, input UpdateNodeInput, actor string) (NodeView, error) {
	var updated store.Node
	err := s.runStructural(ctx, func(tx store.Tx) error {
		node, err := tx.GetNodeForUpdate(ctx, id)
		if isNoRows(err) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "node not found", nil)
		}
		if err != nil {
			return err
		}

		if input.Title != nil {
			title := strings.TrimSpace(*input.Title)
			if title == "" {
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title cannot be empty", nil)
			}
			node.Title = title
		}
		if input.Icon != nil {
			node.Icon = *input.Icon
		}
		if input.Status != nil {
			node.Status = *input.Status
		}
		if input.Assignees != nil {
			node.Assignees = *input.Assignees
		}
		if len(input.Properties) > 0 {
			node.Properties = string(input.Properties)
		}
		node.UpdatedBy = actor

		if err := tx.UpdateNodeMeta(ctx, node); err != nil {
			return err
		}
		updated = node
		return nil
	})
	if err != nil {
		return NodeView{}, err
	}

	s.emitChange("node.updated", updated.ID, updated.Kind, updated.Title, actor)
	s.indexNode(updated)
	return nodeView(updated, nil), nil
}

// MoveNode reparents a node, renumbering the group it leaves and the group it
// joins and cascading containment to every descendant page. The whole move is
// one transaction: it either fully happens or not at all.
func (s *Service) MoveNode(ctx context.Context, id string, input MoveNodeInput, actor string) (NodeView, error) {
	if input.NewParentID == "" {
		return NodeView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "newParentId is required", nil)
	}
	if input.NewParentID == id {
		return NodeView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a node cannot be its own parent", nil)
	}

	var moved store.Node
	var recontained []store.Node
	err := s.runStructural(ctx, func(tx store.Tx) error {
		reader := txReader{tx}
		lockReader := lockingTxReader{tx}

		node, err := tx.GetNodeForUpdate(ctx, id)
		if isNoRows(err) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "node not found", nil)
		}
		if err != nil {
			return err
		}
		if node.Kind == store.KindSection {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sections cannot be moved, reorder them instead", nil)
		}

		parent, err := tx.GetNodeForUpdate(ctx, input.NewParentID)
		if isNoRows(err) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "target parent not found", nil)
		}
		if err != nil {
			return err
		}
		if node.Kind == store.KindSubsection && parent.Kind != store.KindSection {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "subsections can only live directly under a section", nil)
		}

		ok, err := tree.CanReparent(ctx, lockReader, id, parent.ID)
		if err != nil {
			return err
		}
		if !ok {
			return domainError(http.StatusConflict, "CIRCULAR_REFERENCE", "cannot move a node into its own subtree", nil)
		}
		// walking the target's ancestor chain locks every row on it, so a
		// concurrent reparent touching the same chain waits or conflicts
		if _, err := tree.Depth(ctx, lockReader, parent.ID); err != nil {
			return err
		}

		sameParent := node.ParentID != nil && *node.ParentID == parent.ID

		if !sameParent && node.ParentID != nil {
			oldSiblings, err := tx.ChildrenForUpdate(ctx, node.ParentID, node.Kind)
			if err != nil {
				return err
			}
			for _, shift := range tree.PlanRemove(nodeElems(excludeNode(oldSiblings, id)), node.SortOrder) {
				if err := tx.SetNodeOrder(ctx, shift.ID, shift.Order); err != nil {
					return err
				}
			}
		}

		newSiblings, err := tx.ChildrenForUpdate(ctx, &parent.ID, node.Kind)
		if err != nil {
			return err
		}
		// the group as it will look with the node lifted out of it
		working := make([]tree.Elem, 0, len(newSiblings))
		current := make(map[string]int, len(newSiblings))
		for _, sibling := range newSiblings {
			if sibling.ID == id {
				continue
			}
			order := sibling.SortOrder
			if sameParent && order > node.SortOrder {
				order--
			}
			working = append(working, tree.Elem{ID: sibling.ID, Order: order})
			current[sibling.ID] = sibling.SortOrder
		}
		plan, err := tree.PlanInsert(working, input.AfterID)
		if errors.Is(err, tree.ErrSiblingNotFound) {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "afterId is not a sibling in the target group", nil)
		}
		if err != nil {
			return err
		}

		desired := make(map[string]int, len(working))
		for _, elem := range working {
			desired[elem.ID] = elem.Order
		}
		for _, shift := range plan.Shifts {
			desired[shift.ID] = shift.Order
		}
		for siblingID, order := range desired {
			if current[siblingID] != order {
				if err := tx.SetNodeOrder(ctx, siblingID, order); err != nil {
					return err
				}
			}
		}

		var sectionID, subsectionID *string
		switch node.Kind {
		case store.KindSubsection:
			parentRef := parent.ID
			sectionID = &parentRef
		case store.KindPage:
			containment, err := tree.ResolveContainment(ctx, lockReader, parent.ID)
			if err != nil {
				if errors.Is(err, tree.ErrDepthLimitExceeded) {
					return err
				}
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "target parent does not resolve to a section", nil)
			}
			section := containment.SectionID
			sectionID = &section
			subsectionID = containment.SubsectionID
		}
		if err := tx.UpdateNodePlacement(ctx, id, &parent.ID, sectionID, subsectionID, plan.Order, actor); err != nil {
			return err
		}

		// containment inheritance cascades through the moved subtree
		descendants, err := tree.Descendants(ctx, reader, id)
		if err != nil {
			return err
		}
		for _, descID := range descendants {
			desc, err := tx.GetNode(ctx, descID)
			if err != nil {
				return err
			}
			if desc.Kind != store.KindPage || desc.ParentID == nil {
				continue
			}
			containment, err := tree.ResolveContainment(ctx, reader, *desc.ParentID)
			if err != nil {
				return err
			}
			section := containment.SectionID
			if err := tx.UpdateNodeContainment(ctx, descID, &section, containment.SubsectionID); err != nil {
				return err
			}
			desc.SectionID = &section
			desc.SubsectionID = containment.SubsectionID
			recontained = append(recontained, desc)
		}

		moved, err = tx.GetNode(ctx, id)
		return err
	})
	if err != nil {
		return NodeView{}, err
	}

	s.emitChange("node.moved", moved.ID, moved.Kind, moved.Title, actor)
	s.indexNode(moved)
	for _, node := range recontained {
		s.indexNode(node)
	}
	return nodeView(moved, nil), nil
}

// DeleteNode removes a node. With cascade the whole subtree and all dependent
// rows go; without it only leaves are deletable.
func (s *Service) DeleteNode(ctx context.Context, id string, cascade bool, actor string) (DeleteResult, error) {
	var result DeleteResult
	var objectKeys []string
	var deletedKind, deletedTitle string
	err := s.runStructural(ctx, func(tx store.Tx) error {
		reader := txReader{tx}

		node, err := tx.GetNodeForUpdate(ctx, id)
		if isNoRows(err) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "node not found", nil)
		}
		if err != nil {
			return err
		}
		deletedKind, deletedTitle = node.Kind, node.Title

		descendants, err := tree.Descendants(ctx, reader, id)
		if err != nil {
			return err
		}
		if !cascade && len(descendants) > 0 {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "node has descendants, pass cascade=true to delete the subtree", map[string]any{
				"descendantCount": len(descendants),
			})
		}

		pageIDs := make([]string, 0, len(descendants)+1)
		if node.Kind == store.KindPage {
			pageIDs = append(pageIDs, node.ID)
		}
		for _, descID := range descendants {
			desc, err := tx.GetNode(ctx, descID)
			if err != nil {
				return err
			}
			if desc.Kind == store.KindPage {
				pageIDs = append(pageIDs, descID)
			}
		}

		keys, err := tx.DeleteDependents(ctx, pageIDs)
		if err != nil {
			return err
		}
		objectKeys = keys

		// lock the sibling group before its member disappears
		siblings, err := tx.ChildrenForUpdate(ctx, node.ParentID, node.Kind)
		if err != nil {
			return err
		}

		// reverse BFS order deletes children before their parents
		for i := len(descendants) - 1; i >= 0; i-- {
			if err := tx.DeleteNode(ctx, descendants[i]); err != nil {
				return err
			}
		}
		if err := tx.DeleteNode(ctx, id); err != nil {
			return err
		}

		for _, shift := range tree.PlanRemove(nodeElems(excludeNode(siblings, id)), node.SortOrder) {
			if err := tx.SetNodeOrder(ctx, shift.ID, shift.Order); err != nil {
				return err
			}
		}

		result.DeletedIDs = append([]string{id}, descendants...)
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}

	s.emitChange("node.deleted", id, deletedKind, deletedTitle, actor)
	s.removeFromIndex(result.DeletedIDs)
	if s.blobs != nil && len(objectKeys) > 0 {
		blobCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.blobs.Remove(blobCtx, objectKeys)
	}
	return result, nil
}

// ReorderNodes rewrites one sibling group to the given permutation.
func (s *Service) ReorderNodes(ctx context.Context, input ReorderNodesInput, actor string) error {
	if _, ok := kindPrefixes[input.Kind]; !ok {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be one of section, subsection, page", nil)
	}
	if len(input.OrderedIDs) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderedIds is required", nil)
	}

	err := s.runStructural(ctx, func(tx store.Tx) error {
		var parentID *string
		if input.ParentID != "" {
			parent, err := tx.GetNodeForUpdate(ctx, input.ParentID)
			if isNoRows(err) {
				return domainError(http.StatusNotFound, "NOT_FOUND", "parent node not found", nil)
			}
			if err != nil {
				return err
			}
			id := parent.ID
			parentID = &id
		}

		siblings, err := tx.ChildrenForUpdate(ctx, parentID, input.Kind)
		if err != nil {
			return err
		}
		shifts, err := tree.PlanReorder(nodeElems(siblings), input.OrderedIDs)
		if errors.Is(err, tree.ErrSiblingSetMismatch) {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderedIds must be an exact permutation of the current sibling group", nil)
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
			if err := tx.SetNodeOrder(ctx, shift.ID, shift.Order); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.emitChange("nodes.reordered", input.ParentID, input.Kind, "", actor)
	return nil
}

var kindRank = map[string]int{
	store.KindSection:    0,
	store.KindSubsection: 1,
	store.KindPage:       2,
}

// Tree returns the whole workspace tree nested, sections first.
func (s *Service) Tree(ctx context.Context) ([]NodeView, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	byParent := make(map[string][]store.Node)
	for _, node := range nodes {
		key := ""
		if node.ParentID != nil {
			key = *node.ParentID
		}
		byParent[key] = append(byParent[key], node)
	}
	for key := range byParent {
		group := byParent[key]
		sort.Slice(group, func(i, j int) bool {
			if kindRank[group[i].Kind] != kindRank[group[j].Kind] {
				return kindRank[group[i].Kind] < kindRank[group[j].Kind]
			}
			return group[i].SortOrder < group[j].SortOrder
		})
	}

	var build func(parentKey string) []NodeView
	build = func(parentKey string) []NodeView {
		views := make([]NodeView, 0, len(byParent[parentKey]))
		for _, node := range byParent[parentKey] {
			views = append(views, nodeView(node, build(node.ID)))
		}
		return views
	}
	return build(""), nil
}

// Children returns one sibling group, optionally narrowed to a kind.
func (s *Service) Children(ctx context.Context, parentID, kind string) ([]NodeView, error) {
	if kind != "" {
		if _, ok := kindPrefixes[kind]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be one of section, subsection, page", nil)
		}
	}
	if _, err := s.store.GetNode(ctx, parentID); err != nil {
		if isNoRows(err) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "node not found", nil)
		}
		return nil, err
	}

	children, err := s.store.GetChildren(ctx, &parentID, kind)
	if err != nil {
		return nil, err
	}
	views := make([]NodeView, 0, len(children))
	for _, child := range children {
		views = append(views, nodeView(child, nil))
	}
	return views, nil
}

// Breadcrumbs projects the root→node chain, each segment annotated with kind.
func (s *Service) Breadcrumbs(ctx context.Context, id string) ([]BreadcrumbView, error) {
	reader := storeReader{s.store}
	if _, err := s.store.GetNode(ctx, id); err != nil {
		if isNoRows(err) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "node not found", nil)
		}
		return nil, err
	}

	crumbs, err := tree.Breadcrumbs(ctx, reader, id)
	if err != nil {
		if errors.Is(err, tree.ErrDepthLimitExceeded) {
			return nil, domainError(http.StatusInternalServerError, "DEPTH_LIMIT_EXCEEDED", "ancestor walk exceeded the depth limit, tree data may be corrupt", nil)
		}
		return nil, err
	}

	views := make([]BreadcrumbView, 0, len(crumbs))
	for _, crumb := range crumbs {
		views = append(views, BreadcrumbView{ID: crumb.ID, Kind: crumb.Kind, Title: crumb.Title})
	}
	return views, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds an empty database with a small starter workspace.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountNodes(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	workspace := store.Workspace{ID: "ws_main", Name: "Acme Handbook", Slug: "acme-handbook"}
	if err := s.store.InsertWorkspace(ctx, workspace); err != nil {
		return err
	}

	return s.store.RunTransaction(ctx, func(tx store.Tx) error {
		engineering := store.Node{ID: util.NewID("sec"), WorkspaceID: workspace.ID, Kind: store.KindSection, SortOrder: 0, Title: "Engineering", Icon: "wrench", UpdatedBy: "System"}
		product := store.Node{ID: util.NewID("sec"), WorkspaceID: workspace.ID, Kind: store.KindSection, SortOrder: 1, Title: "Product", Icon: "compass", UpdatedBy: "System"}
		for _, section := range []store.Node{engineering, product} {
			if err := tx.InsertNode(ctx, section); err != nil {
				return err
			}
		}

		onboarding := store.Node{
			ID: util.NewID("sub"), WorkspaceID: workspace.ID, Kind: store.KindSubsection,
			ParentID: &engineering.ID, SectionID: &engineering.ID, SortOrder: 0,
			Title: "Onboarding", UpdatedBy: "System",
		}
		if err := tx.InsertNode(ctx, onboarding); err != nil {
			return err
		}

		welcome := store.Node{
			ID: util.NewID("page"), WorkspaceID: workspace.ID, Kind: store.KindPage,
			ParentID: &onboarding.ID, SectionID: &engineering.ID, SubsectionID: &onboarding.ID,
			SortOrder: 0, Title: "Welcome", Status: "Published", UpdatedBy: "System",
		}
		architecture := store.Node{
			ID: util.NewID("page"), WorkspaceID: workspace.ID, Kind: store.KindPage,
			ParentID: &engineering.ID, SectionID: &engineering.ID,
			SortOrder: 0, Title: "Architecture Notes", Status: "Draft", UpdatedBy: "System",
		}
		roadmap := store.Node{
			ID: util.NewID("page"), WorkspaceID: workspace.ID, Kind: store.KindPage,
			ParentID: &product.ID, SectionID: &product.ID,
			SortOrder: 0, Title: "Roadmap", Status: "Draft", UpdatedBy: "System",
		}
		for _, page := range []store.Node{welcome, architecture, roadmap} {
			if err := tx.InsertNode(ctx, page); err != nil {
				return err
			}
		}

		checklist := store.Node{
			ID: util.NewID("page"), WorkspaceID: workspace.ID, Kind: store.KindPage,
			ParentID: &architecture.ID, SectionID: &engineering.ID,
			SortOrder: 0, Title: "Deployment Checklist", Status: "Draft", UpdatedBy: "System",
		}
		if err := tx.InsertNode(ctx, checklist); err != nil {
			return err
		}

		blocks := []store.Block{
			{ID: util.NewID("blk"), PageID: welcome.ID, SortOrder: 0, BlockType: "heading", Content: `{"text":"Welcome to the handbook"}`},
			{ID: util.NewID("blk"), PageID: welcome.ID, SortOrder: 1, BlockType: "paragraph", Content: `{"text":"Everything you need for your first week lives in this section."}`},
		}
		for _, block := range blocks {
			if err := tx.InsertBlock(ctx, block); err != nil {
				return err
			}
		}

		return tx.InsertComment(ctx, store.Comment{
			ID:     util.NewID("cmt"),
			PageID: welcome.ID,
			Author: "Avery",
			Body:   "Keep this page short, link out for detail.",
		})
	})
}
