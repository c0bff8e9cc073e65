package domain

import (
	"encoding/json"
	"fmt"
)

// Tool 画笔类型
type Tool string

const (
	ToolDraw  Tool = "draw"
	ToolErase Tool = "erase"
)

// StrokeSegment 表示一段线段：起点、终点、颜色、粗细和工具类型。
// 记录后不可修改，房间内按到达顺序追加。
type StrokeSegment struct {
	X0    float64 `json:"x0"`
	Y0    float64 `json:"y0"`
	X1    float64 `json:"x1"`
	Y1    float64 `json:"y1"`
	Color string  `json:"color"`
	Width float64 `json:"width"`
	Tool  Tool    `json:"tool"`
}

// Validate 检查线段数据是否合法。
func (s StrokeSegment) Validate() error {
	switch s.Tool {
	case ToolDraw, ToolErase:
	case "":
		return fmt.Errorf("stroke tool is empty")
	default:
		return fmt.Errorf("unsupported stroke tool %q", s.Tool)
	}
	if s.Width < 0 {
		return fmt.Errorf("stroke width must not be negative: %v", s.Width)
	}
	return nil
}

// MarshalStroke 序列化线段，用于写入存储列表。
func MarshalStroke(s StrokeSegment) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stroke: %w", err)
	}
	return string(b), nil
}

// UnmarshalStroke 解析存储中的线段。
func UnmarshalStroke(raw string) (StrokeSegment, error) {
	var s StrokeSegment
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal stroke: %w", err)
	}
	return s, nil
}
