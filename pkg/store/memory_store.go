package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"carelink/pkg/domain"
)

// MemoryStore keeps all metadata in-process. It backs tests and local
// development; services use GormStore in deployment.
type MemoryStore struct {
	mu        sync.RWMutex
	families  map[string]domain.Family
	files     map[string]domain.FamilyFile
	convs     map[string]domain.Conversation
	convOrder []string
	messages  map[string][]domain.Message
	summaries map[string][]domain.ConversationSummary
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		families:  make(map[string]domain.Family),
		files:     make(map[string]domain.FamilyFile),
		convs:     make(map[string]domain.Conversation),
		messages:  make(map[string][]domain.Message),
		summaries: make(map[string][]domain.ConversationSummary),
	}
}

func (m *MemoryStore) SaveFamily(f domain.Family) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.families[f.ID] = f
	return nil
}

func (m *MemoryStore) GetFamily(id string) (domain.Family, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.families[id]
	return f, ok, nil
}

func (m *MemoryStore) SetFamilyVectorStoreID(id, vectorStoreID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.families[id]
	if !ok {
		return false, nil
	}
	if strings.TrimSpace(f.VectorStoreID) != "" {
		return false, nil
	}
	f.VectorStoreID = vectorStoreID
	f.UpdatedAt = time.Now().UTC()
	m.families[id] = f
	return true, nil
}

func (m *MemoryStore) SaveFile(f domain.FamilyFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ID] = f
	return nil
}

func (m *MemoryStore) GetFile(id string) (domain.FamilyFile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	return f, ok, nil
}

func (m *MemoryStore) FindFileByFingerprint(familyID, fingerprint string) (domain.FamilyFile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files {
		if f.FamilyID == familyID && f.Fingerprint == fingerprint {
			return f, true, nil
		}
	}
	return domain.FamilyFile{}, false, nil
}

func (m *MemoryStore) ListFilesByFamily(familyID string) ([]domain.FamilyFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.FamilyFile, 0)
	for _, f := range m.files {
		if f.FamilyID == familyID {
			res = append(res, f)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) SetFileIndexIDs(id, registeredFileID, indexFileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil
	}
	f.RegisteredFileID = registeredFileID
	f.IndexFileID = indexFileID
	f.UpdatedAt = time.Now().UTC()
	m.files[id] = f
	return nil
}

func (m *MemoryStore) SetFileIndexStatus(id string, status domain.IndexStatus, errMsg string, indexedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil
	}
	f.IndexStatus = status
	f.LastError = errMsg
	if indexedAt != nil {
		at := indexedAt.UTC()
		f.IndexedAt = &at
	}
	f.UpdatedAt = time.Now().UTC()
	m.files[id] = f
	return nil
}

func (m *MemoryStore) DeleteFile(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.convs[c.ID]; !exists {
		m.convOrder = append(m.convOrder, c.ID)
	}
	m.convs[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	return c, ok, nil
}

func (m *MemoryStore) ListConversationsByFamily(familyID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.convs {
		if c.FamilyID == familyID && !c.Archived {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		ti, tj := res[i].UpdatedAt, res[j].UpdatedAt
		if res[i].LastMessageAt != nil {
			ti = *res[i].LastMessageAt
		}
		if res[j].LastMessageAt != nil {
			tj = *res[j].LastMessageAt
		}
		return ti.After(tj)
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryStore) ListConversationIDs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.convOrder))
	copy(ids, m.convOrder)
	return ids, nil
}

func (m *MemoryStore) RenameConversation(id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil
	}
	c.Title = title
	c.UpdatedAt = time.Now().UTC()
	m.convs[id] = c
	return nil
}

func (m *MemoryStore) ArchiveConversation(id, actorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil
	}
	at = at.UTC()
	c.Archived = true
	c.ArchivedAt = &at
	c.ArchivedBy = actorID
	c.UpdatedAt = time.Now().UTC()
	m.convs[id] = c
	return nil
}

func (m *MemoryStore) AppendTurn(conversationID string, userMsg, assistantMsg domain.Message, title string, lastMessageAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	userMsg.ConversationID = conversationID
	assistantMsg.ConversationID = conversationID
	m.messages[conversationID] = append(m.messages[conversationID], userMsg, assistantMsg)
	c, ok := m.convs[conversationID]
	if !ok {
		return nil
	}
	at := lastMessageAt.UTC()
	c.LastMessageAt = &at
	c.MessageCount += 2
	if strings.TrimSpace(title) != "" {
		c.Title = strings.TrimSpace(title)
	}
	c.UpdatedAt = time.Now().UTC()
	m.convs[conversationID] = c
	return nil
}

func (m *MemoryStore) ListRecentMessages(conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	res := make([]domain.Message, len(msgs))
	copy(res, msgs)
	return res, nil
}

func (m *MemoryStore) ListMessagesAfter(conversationID string, after time.Time) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Message, 0)
	for _, msg := range m.messages[conversationID] {
		if after.IsZero() || msg.CreatedAt.After(after) {
			res = append(res, msg)
		}
	}
	return res, nil
}

func (m *MemoryStore) FindTurnByClientKey(conversationID, clientKey string) (domain.Message, domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	for i, msg := range msgs {
		if msg.Role == domain.MessageRoleUser && msg.ClientKey == clientKey {
			for _, reply := range msgs[i+1:] {
				if reply.Role == domain.MessageRoleAssistant {
					return msg, reply, true, nil
				}
			}
			return domain.Message{}, domain.Message{}, false, nil
		}
	}
	return domain.Message{}, domain.Message{}, false, nil
}

func (m *MemoryStore) SaveSummary(s domain.ConversationSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[s.ConversationID] = append(m.summaries[s.ConversationID], s)
	return nil
}

func (m *MemoryStore) LatestSummary(conversationID string) (domain.ConversationSummary, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sums := m.summaries[conversationID]
	if len(sums) == 0 {
		return domain.ConversationSummary{}, false, nil
	}
	latest := sums[0]
	for _, s := range sums[1:] {
		if s.EndAt.After(latest.EndAt) {
			latest = s
		}
	}
	return latest, true, nil
}

func (m *MemoryStore) ListSummaries(conversationID string) ([]domain.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sums := m.summaries[conversationID]
	res := make([]domain.ConversationSummary, len(sums))
	copy(res, sums)
	sort.Slice(res, func(i, j int) bool { return res[i].EndAt.Before(res[j].EndAt) })
	return res, nil
}
