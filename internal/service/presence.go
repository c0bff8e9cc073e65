package service

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// CountChange 描述一次成员数修正
type CountChange struct {
	Code string
	Old  int
	New  int
}

// PresenceTracker 以实时连接集合为唯一依据计算房间成员。
// 成员数总是从集合重新计算，不做增减计数，避免断线重连风暴下计数漂移。
type PresenceTracker struct {
	rooms *RoomService

	mu        sync.RWMutex
	connRoom  map[string]string              // connID -> roomCode
	roomConns map[string]map[string]struct{} // roomCode -> connIDs
}

// NewPresenceTracker 创建 PresenceTracker 实例。
func NewPresenceTracker(rooms *RoomService) *PresenceTracker {
	if rooms == nil {
		panic("RoomService cannot be nil for PresenceTracker")
	}
	return &PresenceTracker{
		rooms:     rooms,
		connRoom:  make(map[string]string),
		roomConns: make(map[string]map[string]struct{}),
	}
}

// Join 记录连接加入房间。连接同一时刻只属于一个房间，重复加入会覆盖之前的房间。
// 返回之前所在的房间 (可能为空) 和当前房间的实际成员列表。
func (p *PresenceTracker) Join(connID, code string) (previous string, members []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.connRoom[connID]; ok && prev != code {
		p.removeLocked(connID, prev)
		previous = prev
	}
	p.connRoom[connID] = code
	conns, ok := p.roomConns[code]
	if !ok {
		conns = make(map[string]struct{})
		p.roomConns[code] = conns
	}
	conns[connID] = struct{}{}
	return previous, sortedKeys(conns)
}

// Leave 移除连接的成员关系。幂等：连接不在任何房间时返回 ok=false。
func (p *PresenceTracker) Leave(connID string) (code string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	code, ok = p.connRoom[connID]
	if !ok {
		return "", false
	}
	p.removeLocked(connID, code)
	return code, true
}

// RoomOf 返回连接当前所在房间
func (p *PresenceTracker) RoomOf(connID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	code, ok := p.connRoom[connID]
	return code, ok
}

// Members 返回房间当前的连接 ID 列表 (已排序)
func (p *PresenceTracker) Members(code string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.roomConns[code])
}

// Count 返回房间当前的实际连接数
func (p *PresenceTracker) Count(code string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.roomConns[code])
}

// Connections 返回所有已加入房间的连接数
func (p *PresenceTracker) Connections() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connRoom)
}

// Reconcile 根据实时集合重新计算成员数，与注册表缓存值不同则写回 (缓存 + 存储) 并返回变化。
func (p *PresenceTracker) Reconcile(ctx context.Context, code string) (CountChange, bool) {
	actual := p.Count(code)
	old, changed, found := p.rooms.SetMemberCount(ctx, code, actual)
	if !found || !changed {
		return CountChange{}, false
	}
	logrus.WithFields(logrus.Fields{
		"room_code": code,
		"old_count": old,
		"new_count": actual,
	}).Debug("Member count reconciled")
	return CountChange{Code: code, Old: old, New: actual}, true
}

// removeLocked 必须在持有写锁时调用
func (p *PresenceTracker) removeLocked(connID, code string) {
	delete(p.connRoom, connID)
	if conns, ok := p.roomConns[code]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(p.roomConns, code)
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
