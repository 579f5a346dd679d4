package geofence

import (
	"errors"
	"strings"
	"sync"

	"github.com/Mhacccc/tracking-app/internal/models"
)

var (
	// ErrDraftPending 已有一个未保存的区域，新绘制的形状被丢弃
	ErrDraftPending = errors.New("a zone draft is already pending")
	// ErrNoDraft 当前没有可提交或取消的草稿
	ErrNoDraft = errors.New("no zone draft in progress")
	// ErrInvalidRadius 半径必须为正数
	ErrInvalidRadius = errors.New("zone radius must be positive")
	// ErrEmptyName 区域名不能为空
	ErrEmptyName = errors.New("zone name must not be empty")
	// ErrZoneNotFound 区域不存在
	ErrZoneNotFound = errors.New("zone not found")
)

// AuthoringState 区域创建流程状态
type AuthoringState string

const (
	StateIdle    AuthoringState = "idle"
	StateDrawing AuthoringState = "drawing"
	StateNaming  AuthoringState = "naming"
)

// Shape 绘制出的圆形
type Shape struct {
	Center models.LatLng `json:"center"`
	Radius float64       `json:"radius"`
}

// Authoring 区域创建状态机：Idle -> Drawing -> Naming -> Idle，同一时间只允许一个草稿
type Authoring struct {
	mu    sync.Mutex
	state AuthoringState
	draft *Shape
}

func NewAuthoring() *Authoring {
	return &Authoring{state: StateIdle}
}

// State 当前状态
func (a *Authoring) State() AuthoringState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Draft 正在命名的草稿
func (a *Authoring) Draft() (Shape, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draft == nil {
		return Shape{}, false
	}
	return *a.draft, true
}

// BeginDrawing Idle -> Drawing
func (a *Authoring) BeginDrawing() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateIdle {
		return ErrDraftPending
	}
	a.state = StateDrawing
	return nil
}

// SubmitShape Drawing -> Naming；已在 Naming 时拒绝新形状，半径非法时停留在 Drawing
func (a *Authoring) SubmitShape(shape Shape) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StateNaming:
		return ErrDraftPending
	case StateIdle:
		return ErrNoDraft
	}
	if !(shape.Radius > 0) {
		return ErrInvalidRadius
	}
	a.draft = &shape
	a.state = StateNaming
	return nil
}

// Commit Naming -> Idle；save 成功后才清除草稿，名字为空或保存失败时仍停留在 Naming
func (a *Authoring) Commit(name string, save func(name string, shape Shape) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateNaming || a.draft == nil {
		return ErrNoDraft
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if err := save(name, *a.draft); err != nil {
		return err
	}
	a.draft = nil
	a.state = StateIdle
	return nil
}

// Cancel Drawing/Naming -> Idle，丢弃草稿
func (a *Authoring) Cancel() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateIdle {
		return ErrNoDraft
	}
	a.draft = nil
	a.state = StateIdle
	return nil
}
