package models // 模型包

import ( // 依赖导入
	"time" // 时间类型

	"github.com/google/uuid" // UUID 类型
)

type EmailContact struct { // 邮件联系人
	ContactID uuid.UUID // 联系人 ID
	Email     string    // 邮箱（唯一）
	Name      *string   // 姓名
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间
}

type EmailGroup struct { // 联系人分组
	GroupID   uuid.UUID // 分组 ID
	Name      string    // 分组名称（唯一）
	CreatedAt time.Time // 创建时间
}

type EmailGroupMember struct { // 分组成员关系
	GroupID   uuid.UUID // 分组 ID
	ContactID uuid.UUID // 联系人 ID
	CreatedAt time.Time // 加入时间
}

type EmailCampaignEvent struct { // 邮件活动事件
	EventID     uuid.UUID // 事件 ID
	SourceTopic string    // 来源流
	SourceID    string    // 来源条目 ID
	CampaignID  string    // 活动 ID
	Recipient   string    // 收件人
	Kind        string    // 事件种类
	URL         *string   // 点击链接
	UserAgent   *string   // UA 信息
	IP          *string   // 客户端 IP
	OccurredAt  time.Time // 发生时间
}

type PushSubscription struct { // 推送订阅
	SubscriptionID uuid.UUID // 订阅 ID
	Endpoint       string    // 推送端点（唯一）
	P256dh         *string   // 公钥
	Auth           *string   // 认证密钥
	UserID         *string   // 用户 ID
	UserAgent      *string   // UA 信息
	Active         bool      // 是否有效
	CreatedAt      time.Time // 创建时间
	UpdatedAt      time.Time // 更新时间
}

type NotificationEvent struct { // 推送通知事件
	EventID        uuid.UUID // 事件 ID
	SourceTopic    string    // 来源流
	SourceID       string    // 来源条目 ID
	NotificationID string    // 通知 ID
	Endpoint       *string   // 推送端点
	Status         string    // 状态
	OccurredAt     time.Time // 发生时间
}

type AuditLog struct { // 审计日志模型
	AuditID      uuid.UUID // 审计 ID
	OccurredAt   time.Time // 发生时间
	Subject      string    // 认证主体
	Action       string    // 动作
	ResourceType *string   // 资源类型
	ResourceID   *string   // 资源 ID
	RequestID    string    // 请求 ID
	Method       string    // HTTP 方法
	Path         string    // 请求路径
	StatusCode   int       // 状态码
	DurationMS   int64     // 耗时毫秒
	ClientIP     string    // 客户端 IP
	UserAgent    string    // UA 信息
	Details      []byte    // 详情数据
}
