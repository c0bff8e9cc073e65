package domain

import "time"

// RoomArchive 是房间被清理前写入数据库的摘要记录。
type RoomArchive struct {
	ID          uint      `gorm:"primaryKey"`
	Code        string    `gorm:"size:16;index;not null"`           // 房间码，清理后可被复用，因此不唯一
	CreatorID   string    `gorm:"size:191;not null"`                // 创建者身份
	RoomCreated time.Time `gorm:"not null"`                         // 房间创建时间
	LastActive  time.Time `gorm:"index;not null"`                   // 最后活跃时间
	StrokeCount int64     `gorm:"not null;default:0"`               // 清理时的线段数量
	ImageCount  int64     `gorm:"not null;default:0"`               // 清理时的图片数量
	EvictedAt   time.Time `gorm:"not null"`                         // 清理时间
	Reason      string    `gorm:"size:32;not null;default:'sweep'"` // sweep / expired
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

// TableName 指定表名
func (RoomArchive) TableName() string {
	return "room_archives"
}
