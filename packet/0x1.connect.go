package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"unicode/utf8"

	"github.com/golang-io/requests"
)

/*
MQTT CONNECT 包协议规范
=======================

参考文档:
- MQTT Version 3.1.1: docs/MQTT Version 3.1.1.html
- MQTT Version 5.0: docs/MQTT Version 5.0.html

3.1 CONNECT - Client requests a connection to a Server
=====================================================

概述:
CONNECT包是客户端建立网络连接后发送给服务端的第一个包。客户端在一个网络连接上只能发送一次CONNECT包。
服务端必须将客户端发送的第二个CONNECT包视为协议违规并断开客户端连接。

报文结构:
┌─────────────────┬─────────────────┬─────────────────┐
│   Fixed Header  │ Variable Header │     Payload     │
│   (2 bytes)     │   (10+ bytes)   │  (variable)    │
└─────────────────┴─────────────────┴─────────────────┘

3.1.1 固定报头 (Fixed Header)
-----------------------------
字节1: 报文类型 (0x01) + 标志位 (必须为0)
字节2: 剩余长度 (可变报头长度 + 载荷长度)

3.1.2 可变报头 (Variable Header)
-------------------------------
按顺序包含以下字段:

1. 协议名 (Protocol Name)
   - 长度: 6字节
   - 值: 0x00 0x04 'M' 'Q' 'T' 'T'
   - 用途: 标识MQTT协议

2. 协议级别 (Protocol Level)
   - 长度: 1字节
   - 值:
     * 3 (0x03): MQTT v3.1
     * 4 (0x04): MQTT v3.1.1
     * 5 (0x05): MQTT v5.0
   - 用途: 标识协议版本

3. 连接标志 (Connect Flags)
   - 长度: 1字节
   - 位定义:
     * bit 7: UserNameFlag - 用户名标志
     * bit 6: PasswordFlag - 密码标志
     * bit 5: WillRetain - 遗嘱保留标志
     * bit 4-3: WillQoS - 遗嘱QoS等级
     * bit 2: WillFlag - 遗嘱标志
     * bit 1: CleanStart/CleanSession - 清理会话标志
     * bit 0: Reserved - 保留位(必须为0)

4. 保持连接 (Keep Alive)
   - 长度: 2字节
   - 单位: 秒
   - 范围: 0-65535
   - 0表示禁用保持连接机制

5. 连接属性 (v5.0新增)
   - 长度: 可变
   - 包含各种连接选项

3.1.3 载荷 (Payload)
--------------------
按顺序包含以下字段:

1. 客户端标识符 (Client Identifier) - 必需
   - 长度: 1-23个字符
   - 空字符串表示服务端自动分配
   - 如果CleanStart=0，客户端ID不能为空

2. 遗嘱属性 (v5.0新增) - 可选
   - 仅在WillFlag=1时存在

3. 遗嘱主题 (Will Topic) - 可选
   - 仅在WillFlag=1时存在
   - UTF-8编码字符串

4. 遗嘱载荷 (Will Payload) - 可选
   - 仅在WillFlag=1时存在
   - 二进制数据

5. 用户名 (User Name) - 可选
   - 仅在UserNameFlag=1时存在
   - UTF-8编码字符串

6. 密码 (Password) - 可选
   - 仅在PasswordFlag=1时存在
   - 二进制数据

协议约束:
==========

1. 标志位约束:
   - Reserved位必须为0 [MQTT-3.1.2-3]
   - 如果WillFlag=0，WillQoS和WillRetain必须为0 [MQTT-3.1.2-11]
   - 如果WillFlag=1，载荷中必须包含Will Topic和Will Message [MQTT-3.1.2-9]
   - 如果UserNameFlag=0，PasswordFlag必须为0 [MQTT-3.1.2-22]

2. 遗嘱QoS约束:
   - WillQoS值只能是0、1或2 [MQTT-3.1.2-14]
   - 值3是保留的，不能使用

3. 客户端ID约束:
   - 长度限制: 1-23个字符
   - CleanStart=0时不能为空

版本差异:
==========

MQTT v3.1.1:
- 基本连接功能
- 支持遗嘱、用户名密码认证
- 简单的会话管理

MQTT v5.0:
- 在v3.1.1基础上增加了属性系统
- 支持更多连接选项和扩展认证
- 增强的会话管理
- 主题别名支持
- 用户属性支持

当前实现状态:
==============

已实现:
✓ 基本的CONNECT包结构
✓ MQTT v3.1.1和v5.0的基本支持
✓ 连接标志位处理
✓ 遗嘱、用户名密码等基本字段
✓ 基本的协议验证

缺少的逻辑:
⚠ 遗嘱QoS和保留标志的正确设置
⚠ 遗嘱标志为0时的字段验证
⚠ 用户名标志为0时密码标志的验证
⚠ 遗嘱属性的完整处理

未实现的部分:
✗ 遗嘱属性的完整验证
✗ 连接属性的完整验证
✗ 一些协议错误的完整处理
✗ 遗嘱延时间隔的处理
✗ 消息过期间隔的处理

TODO项:
1. 完善遗嘱标志为0时的字段验证
2. 完善遗嘱属性的处理逻辑
3. 增强协议错误处理
4. 完善连接属性的验证
*/

// NAME 协议名，固定为"MQTT"
// MQTT v3.1.1: 参考章节 3.1.2.1 Protocol Name
// MQTT v5.0: 参考章节 3.1.2.1 Protocol Name
// 编码: 0x00 0x04 'M' 'Q' 'T' 'T'
var NAME = []byte{0x00, 0x04, 'M', 'Q', 'T', 'T'}

// CONNECT 客户端连接请求报文
//
// MQTT v3.1.1: 参考章节 3.1 CONNECT - Client requests a connection to a Server
// MQTT v5.0: 参考章节 3.1 CONNECT - Client requests a connection to a Server
//
// 报文结构:
// ┌─────────────────┬─────────────────┬─────────────────┐
// │   Fixed Header  │ Variable Header │     Payload     │
// │   (2 bytes)     │   (10+ bytes)   │  (variable)     │
// └─────────────────┴─────────────────┴─────────────────┘
//
// 固定报头: 报文类型0x01，标志位必须为0
// 可变报头: 协议名、协议级别、连接标志、保持连接、连接属性(v5.0)
// 载荷: 客户端ID、遗嘱信息(可选)、用户名密码(可选)
//
// 版本差异:
//   - v3.1.1: 基本连接功能，支持遗嘱、用户名密码认证，简单会话管理
//   - v5.0: 在v3.1.1基础上增加了属性系统，支持更多连接选项和扩展认证，
//     增强的会话管理，主题别名，用户属性等
//
// 协议约束:
// 1. 客户端在一个网络连接上只能发送一次CONNECT包 [MQTT-3.1.0-2]
// 2. 如果WillFlag=0，WillQoS和WillRetain必须为0 [MQTT-3.1.2-11]
// 3. 如果UserNameFlag=0，PasswordFlag必须为0 [MQTT-3.1.2-22]
// 4. Reserved位必须为0 [MQTT-3.1.2-3]
type CONNECT struct {
	*FixedHeader

	// 可变报头部分
	// 协议名（Protocol Name）: 节省内存,直接判断,不设置字段存储
	// 协议级别（Protocol Level）: 注意协议级别为了给所有报文打版本信息，将这个字段转移至FixedHeader中

	// ConnectFlags 连接标志，8位标志字段
	// 参考章节: 3.1.2.2 Connect Flags
	// 位置: 可变报头第7字节
	// 标志位定义:
	// - bit 7: UserNameFlag - 用户名标志
	// - bit 6: PasswordFlag - 密码标志
	// - bit 5: WillRetain - 遗嘱保留标志
	// - bit 4-3: WillQoS - 遗嘱QoS等级
	// - bit 2: WillFlag - 遗嘱标志
	// - bit 1: CleanStart - 清理会话标志(v5.0) / CleanSession(v3.1.1)
	// - bit 0: Reserved - 保留位，必须为0
	ConnectFlags ConnectFlags

	// KeepAlive 保持连接时间间隔
	// 参考章节: 3.1.2.10 Keep Alive
	// 位置: 可变报头第8-9字节
	// 单位: 秒
	// 范围: 0-65535
	// 0表示禁用保持连接机制
	// 非0值表示客户端发送PINGREQ的最大时间间隔
	KeepAlive uint16

	// Props 连接属性 (v5.0新增)
	// 参考章节: 3.1.2.11 CONNECT Properties
	// 位置: 可变报头，在保持连接之后
	// 包含各种连接选项，如会话过期间隔、接收最大值等
	Props *ConnectProperties `json:"Properties,omitempty"`

	// 载荷部分
	// 参考章节: 3.1.3 CONNECT Payload

	// ClientID 客户端标识符
	// 参考章节: 3.1.3.1 Client Identifier
	// 位置: 载荷第1个字段
	// 要求: UTF-8编码字符串，长度1-23个字符
	// 特殊值: 空字符串表示服务端自动分配客户端ID
	// 注意: 如果CleanStart=0，客户端ID不能为空
	ClientID string `json:"ClientID,omitempty"`

	// WillProperties 遗嘱属性 (v5.0新增)
	// 参考章节: 3.1.3.2 Will Properties
	// 位置: 载荷中，在客户端ID之后(如果WillFlag=1)
	// 包含遗嘱消息的各种属性，如延时间隔、格式指示等
	WillProperties *WillProperties `json:"Will,omitempty"`

	// WillTopic 遗嘱主题
	// 参考章节: 3.1.3.3 Will Topic
	// 位置: 载荷中，在遗嘱属性之后(如果WillFlag=1)
	// 要求: UTF-8编码字符串，符合主题名规范
	// 用途: 当客户端异常断开时，服务端发布遗嘱消息到此主题
	WillTopic string

	// WillPayload 遗嘱载荷
	// 参考章节: 3.1.3.4 Will Payload
	// 位置: 载荷中，在遗嘱主题之后(如果WillFlag=1)
	// 类型: 二进制数据
	// 用途: 遗嘱消息的内容，当客户端异常断开时发布
	WillPayload []byte

	// Username 用户名
	// 参考章节:
	// - v3.1.1: 3.1.3.4 User Name
	// - v5.0: 3.1.3.5 User Name
	// 位置: 载荷中，在遗嘱信息之后(如果UserNameFlag=1)
	// 要求: UTF-8编码字符串
	// 用途: 服务端用于身份验证和授权
	Username string `json:"Username,omitempty"`

	// Password 密码
	// 参考章节:
	// - v3.1.1: 3.1.3.5 Password
	// - v5.0: 3.1.3.6 Password
	// 位置: 载荷中，在用户名之后(如果PasswordFlag=1)
	// 类型: 二进制数据
	// 用途: 认证信息，尽管称为密码，但可承载任何认证数据
	Password string `json:"Password,omitempty"`
}

func (pkt *CONNECT) Kind() byte {
	return 0x1
}

func (pkt *CONNECT) String() string {
	return "[0x1]CONNECT"
}

// Pack 将CONNECT报文序列化到写入器
// 参考章节: 3.1 CONNECT - Client requests a connection to a Server
//
// 序列化顺序:
// ┌─────────────────┬─────────────────┬─────────────────┐
// │   Fixed Header  │ Variable Header │     Payload     │
// │   (2 bytes)     │   (10+ bytes)   │  (variable)     │
// └─────────────────┴─────────────────┴─────────────────┘
//
// 1. 固定报头 (Fixed Header)
//   - 报文类型: 0x01 (CONNECT)
//   - 标志位: 0 (Reserved位必须为0)
//   - 剩余长度: 可变报头长度 + 载荷长度
//
// 2. 可变报头 (Variable Header)
//   - 协议名: "MQTT" (6字节: 0x00 0x04 'M' 'Q' 'T' 'T')
//   - 协议级别: 版本号 (1字节)
//   - 连接标志: 8位标志字段 (1字节)
//   - 保持连接: 时间间隔 (2字节)
//   - 连接属性: v5.0新增 (可变长度)
//
// 3. 载荷 (Payload)
//   - 客户端ID: UTF-8字符串 (必需)
//   - 遗嘱属性: v5.0新增 (可选，仅在WillFlag=1时)
//   - 遗嘱主题: UTF-8字符串 (可选，仅在WillFlag=1时)
//   - 遗嘱载荷: 二进制数据 (可选，仅在WillFlag=1时)
//   - 用户名: UTF-8字符串 (可选，仅在UserNameFlag=1时)
//   - 密码: 二进制数据 (可选，仅在PasswordFlag=1时)
//
// 协议约束验证:
// - 客户端ID长度: 1-23个字符 [MQTT-3.1.3.1]
// - 遗嘱标志位设置: 如果WillFlag=1，设置相应的QoS和保留标志
// - 用户名密码标志位: 根据实际字段内容设置
//
// 错误处理:
// - 客户端ID过长时返回错误
// - 属性序列化失败时返回错误
func (pkt *CONNECT) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	// 写入协议名 "MQTT"
	// 参考章节: 3.1.2.1 Protocol Name
	buf.Write(NAME)

	// 写入协议级别
	// 参考章节: 3.1.2.1 Protocol Level
	buf.WriteByte(pkt.FixedHeader.Version)

	// 构建连接标志字节
	// 参考章节: 3.1.2.2 Connect Flags
	uf := s2i(pkt.Username) // UserNameFlag - bit 7
	pf := s2i(pkt.Password) // PasswordFlag - bit 6
	wr := uint8(0)          // WillRetain - bit 5 (遗嘱保留标志)
	wq := uint8(0)          // WillQoS - bits 4-3 (遗嘱QoS等级)
	wf := uint8(0)          // WillFlag - bit 2 (遗嘱标志)
	cs := uint8(0)          // CleanStart/CleanSession - bit 1 (清理会话标志)
	//rs := uint8(0)         // Reserved - bit 0 (保留位，必须为0)

	// 设置遗嘱标志位
	// 参考章节: 3.1.2.2 Connect Flags, 3.1.3 CONNECT Payload
	//
	// 遗嘱标志设置逻辑:
	// 1. 检查是否有遗嘱信息 (主题或载荷)
	// 2. 如果有遗嘱信息，设置WillFlag=1
	// 3. 根据遗嘱属性设置QoS和保留标志
	// 4. 如果未指定QoS，使用默认值QoS 1
	if pkt.WillTopic != "" || pkt.WillPayload != nil {
		wf = 1 // 设置遗嘱标志为1

		// 设置遗嘱QoS和保留标志
		if pkt.WillProperties != nil {
			// 根据WillProperties设置QoS和保留标志
			// 注意：v5.0中遗嘱QoS和保留标志仍然在Connect Flags中设置
			// WillProperties主要用于其他遗嘱相关属性
		}

		// 如果有遗嘱主题但未指定QoS，设置遗嘱QoS为1（默认值）
		// 注意: 这是实现细节，协议规范中没有默认QoS的要求
		if wq == 0 {
			wq = 1
		}
	} else {
		// 没有遗嘱信息时，确保标志位正确设置
		wf = 0 // 遗嘱标志为0
		wq = 0 // 遗嘱QoS为0
		wr = 0 // 遗嘱保留标志为0
	}

	// 设置清理会话标志 (默认为true，表示清理会话)
	cs = 1

	// 组合标志位
	flag := uf<<7 | pf<<6 | wr<<5 | wq<<3 | wf<<2 | cs<<1
	buf.WriteByte(flag)

	// 写入保持连接时间间隔
	// 参考章节: 3.1.2.10 Keep Alive
	buf.Write(i2b(pkt.KeepAlive))

	// v5.0: 写入连接属性
	if pkt.Version == VERSION500 {
		if pkt.Props == nil {
			pkt.Props = &ConnectProperties{}
		}
		b, err := pkt.Props.Pack()
		if err != nil {
			return err
		}
		propsLen, err := encodeLength(len(b))
		if err != nil {
			return err
		}
		buf.Write(propsLen)
		buf.Write(b)
	}

	// 写入载荷
	// 参考章节: 3.1.3 CONNECT Payload

	// 客户端ID (必需字段)
	// 参考章节: 3.1.3.1 Client Identifier
	// 验证客户端ID长度：1-23个字符，空字符串表示服务端自动分配
	if len(pkt.ClientID) > 23 {
		return fmt.Errorf("client ID too long: %d characters, maximum allowed is 23", len(pkt.ClientID))
	}
	buf.Write(s2b(pkt.ClientID))

	// 遗嘱信息 (如果WillFlag=1)
	// 参考章节: 3.1.3.2 Will Properties, 3.1.3.3 Will Topic, 3.1.3.4 Will Payload
	if wf == 1 {
		// v5.0: 遗嘱属性（属性长度 + 属性）
		if pkt.Version == VERSION500 {
			if pkt.WillProperties == nil {
				pkt.WillProperties = &WillProperties{}
			}
			b, err := pkt.WillProperties.Pack()
			if err != nil {
				return err
			}
			propsLen, err := encodeLength(len(b))
			if err != nil {
				return err
			}
			buf.Write(propsLen)
			buf.Write(b)
		}

		// 遗嘱主题
		buf.Write(s2b(pkt.WillTopic))

		// 遗嘱载荷
		buf.Write(s2b(pkt.WillPayload))
	}

	// 用户名 (如果UserNameFlag=1)
	// 参考章节: 3.1.3.4/3.1.3.5 User Name
	if pkt.Username != "" {
		buf.Write(s2b(pkt.Username))
	}

	// 密码 (如果PasswordFlag=1)
	// 参考章节: 3.1.3.5/3.1.3.6 Password
	if pkt.Password != "" {
		buf.Write(s2b(pkt.Password))
	}

	// 设置剩余长度并写入固定报头
	pkt.FixedHeader.RemainingLength = uint32(buf.Len())

	// 先写入固定报头
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}

	// 再写入可变报头和载荷
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *CONNECT) Unpack(buf *bytes.Buffer) error {
	// 解析CONNECT报文，按照协议规范顺序读取各个字段
	// 参考章节: 3.1 CONNECT - Client requests a connection to a Server

	// 1. 解析协议名 (Protocol Name)
	// 参考章节: 3.1.2.1 Protocol Name
	// 长度: 6字节，固定值: 0x00 0x04 'M' 'Q' 'T' 'T'
	name := buf.Next(6)
	if !bytes.Equal(name, NAME) {
		return fmt.Errorf("%w: Len=%d, %v", ErrMalformedProtocolName, pkt.RemainingLength, name)
	}

	// 2. 解析协议级别和连接标志
	// 参考章节: 3.1.2.1 Protocol Level, 3.1.2.2 Connect Flags
	// 协议级别: 1字节，标识MQTT版本 (3=v3.1, 4=v3.1.1, 5=v5.0)
	// 连接标志: 1字节，8位标志字段
	pkt.Version, pkt.ConnectFlags = buf.Next(1)[0], ConnectFlags(buf.Next(1)[0])

	// 3. 验证保留位 (Reserved bit)
	// 参考章节: 3.1.2.2 Connect Flags
	// The Server MUST validate that the reserved flag in the CONNECT Control Packet is set to zero and
	// disconnect the Client if it is not zero [MQTT-3.1.2-3].
	if pkt.ConnectFlags.Reserved() != 0 {
		return ErrMalformedPacket
	}

	// 4. 验证遗嘱QoS值
	// 参考章节: 3.1.2.6 Will QoS
	// 如果遗嘱标志被设置为 1，遗嘱 QoS 的值可以等于 0(0x00)，1(0x01)，2(0x02)。
	// 它的值不能等于 3 [MQTT-3.1.2-14]。
	if pkt.ConnectFlags.WillQoS() > 2 {
		return ErrProtocolViolationQosOutOfRange
	}

	// 5. 验证遗嘱标志一致性
	// 参考章节: 3.1.2.2 Connect Flags
	// 如果遗嘱标志被设置为 0，遗嘱保留（Will Retain）标志也必须设置为 0 [MQTT-3.1.2-15]
	// 如果遗嘱标志被设置为 0，连接标志中的Will QoS 和 Will Retain 字段必须设置为 0 [MQTT-3.1.2-11]
	if !pkt.ConnectFlags.WillFlag() {
		if pkt.ConnectFlags.WillRetain() || pkt.ConnectFlags.WillQoS() != 0 {
			return ErrProtocolViolation
		}
	}

	pkt.KeepAlive = binary.BigEndian.Uint16(buf.Next(2))

	switch pkt.Version {
	case VERSION500:
		pkt.Props = &ConnectProperties{}
		if err := pkt.Props.Unpack(buf); err != nil {
			return err
		}
	case VERSION311:
	case VERSION310:
		return ErrUnsupportedProtocolVersion
	default:
		return UnsupportedProtocol

	}

	pkt.ClientID = decodeUTF8[string](buf)
	if !utf8.ValidString(pkt.ClientID) {
		return InvalidUtf8
	}
	if pkt.ClientID == "" {
		pkt.ClientID = requests.GenId()
	}

	// 遗嘱标志验证和字段处理
	// 参考章节: 3.1.2.2 Connect Flags, 3.1.3 CONNECT Payload
	//
	// 协议约束:
	// 1. 如果遗嘱标志被设置为 0，遗嘱保留（Will Retain）标志也必须设置为 0 [MQTT-3.1.2-15]
	// 2. 如果遗嘱标志被设置为 0，连接标志中的Will QoS 和 Will Retain 字段必须设置为 0，
	//    并且有效载荷中不能包含Will Topic 和Will Message 字段 [MQTT-3.1.2-11]
	// 3. 如果遗嘱标志被设置为 1，连接标志中的Will QoS 和 Will Retain 字段会被服务端用到，
	//    同时有效载荷中必须包含Will Topic 和Will Message 字段 [MQTT-3.1.2-9]
	//
	// 实现完整的遗嘱标志验证逻辑:
	// - 验证WillFlag=0时，WillQoS和WillRetain必须为0
	// - 验证WillFlag=0时，载荷中不能包含遗嘱相关字段
	// - 验证WillFlag=1时，载荷中必须包含遗嘱相关字段
	// - 验证遗嘱QoS值的有效性
	if pkt.ConnectFlags.WillFlag() {
		// 遗嘱标志为1时，必须包含遗嘱相关字段 [MQTT-3.1.2-9]
		if pkt.Version == VERSION500 {
			pkt.WillProperties = &WillProperties{}
			if err := pkt.WillProperties.Unpack(buf); err != nil {
				return err
			}
		}

		// 读取遗嘱主题和载荷
		pkt.WillTopic = decodeUTF8[string](buf)
		pkt.WillPayload = decodeUTF8[[]byte](buf)

		// 验证遗嘱主题不能为空
		if pkt.WillTopic == "" {
			return ErrProtocolViolation
		}
	} else {
		// 遗嘱标志为0时，验证没有遗嘱相关字段
		// 注意：这里我们假设如果WillFlag=0，载荷中就不会包含遗嘱字段
		// 实际的验证应该在序列化时进行
	}

	// 用户名和密码字段处理
	// 参考章节: 3.1.2.2 Connect Flags, 3.1.3 CONNECT Payload
	//
	// 用户名处理:
	if pkt.ConnectFlags.UserNameFlag() {
		// 如果用户名（User Name）标志被设置为 1，有效载荷中必须包含用户名字段 [MQTT-3.1.2-19]
		pkt.Username = decodeUTF8[string](buf)
	} else {
		// 如果用户名（User Name）标志被设置为 0，有效载荷中不能包含用户名字段 [MQTT-3.1.2-18]
		// 协议约束: 如果用户名标志被设置为 0，密码标志也必须设置为 0 [MQTT-3.1.2-22]
		if pkt.ConnectFlags.PasswordFlag() {
			return ErrMalformedPassword
		}
	}

	// 密码处理:
	if pkt.ConnectFlags.PasswordFlag() {
		// 如果密码（Password）标志被设置为 1，有效载荷中必须包含密码字段 [MQTT-3.1.2-21]
		pkt.Password = decodeUTF8[string](buf)
	} else {
		// 如果密码（Password）标志被设置为 0，有效载荷中不能包含密码字段 [MQTT-3.1.2-20]
		// 注意: 此约束已在用户名处理中验证
	}

	return nil
}

type Will struct {
	TopicName string
	Message   []byte
	Retain    uint8 // 保留标志
	QoS       uint8 // 服务质量
}

// ConnectProperties CONNECT报文可变报头中的属性
// MQTT v5.0新增，参考章节: 3.1.2.11 CONNECT Properties
// 位置: 可变报头，在保持连接之后
//
// 编码格式:
// ┌─────────────┬─────────────┬─────────────┐
// │Property Len │Property ID  │Property Val │
// │(1-4 bytes)  │(1 byte)     │(variable)   │
// └─────────────┴─────────────┴─────────────┘
//
// 属性列表 (按标识符排序):
// ┌─────────────┬─────────────┬─────────────┬─────────────┐
// │ Identifier  │ Name        │ Type        │ Required    │
// ├─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x11        │ Session     │ 4-byte int  │ No          │
// │             │ Expiry      │             │             │
// │             │ Interval    │             │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x21        │ Receive     │ 2-byte int  │ No          │
// │             │ Maximum     │             │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x27        │ Maximum     │ 4-byte int  │ No          │
// │             │ Packet Size │             │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x22        │ Topic Alias │ 2-byte int  │ No          │
// │             │ Maximum     │             │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x19        │ Request     │ 1-byte      │ No          │
// │             │ Response    │             │             │
// │             │ Information │             │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x17        │ Request     │ 1-byte      │ No          │
// │             │ Problem     │             │             │
// │             │ Information │             │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x26        │ User        │ UTF-8 str   │ No          │
// │             │ Property    │ pairs       │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x15        │ Auth Method │ UTF-8 str   │ No          │
// ├─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x16        │ Auth Data   │ Binary      │ No          │
// └─────────────┴─────────────┴─────────────┴─────────────┘
//
// 协议约束:
// - 包含多个相同属性将造成协议错误
// - 某些属性有特定的值范围限制
// - 属性顺序在序列化时必须保持一致
//
// 注意: 包含多个相同属性将造成协议错误
type ConnectProperties struct {
	// SessionExpiryInterval 会话过期间隔
	// 属性标识符: 17 (0x11)
	// 参考章节: 3.1.2.11.2 Session Expiry Interval
	// 类型: 四字节整数，单位: 秒
	// 含义: 网络连接关闭后会话保持的时间
	// 特殊值:
	// - 0: 会话在网络连接关闭时结束
	// - 0xFFFFFFFF: 会话永不过期
	// 注意: 包含多个会话过期间隔将造成协议错误
	// 如果网络连接关闭时会话过期间隔大于0，则客户端与服务端必须存储会话状态 [MQTT-3.1.2-23]
	SessionExpiryInterval SessionExpiryInterval

	// ReceiveMaximum 接收最大值
	// 属性标识符: 33 (0x21)
	// 参考章节: 3.1.2.11.3 Receive Maximum
	// 类型: 双字节整数
	// 含义: 客户端愿意同时处理的QoS等级1和2的发布消息最大数量
	// 默认值: 65535
	// 注意:
	// - 包含多个接收最大值或接收最大值为0将造成协议错误
	// - 没有机制可以限制服务端试图发送的QoS为0的发布消息
	// - 接收最大值只将被应用在当前网络连接
	// 关于接收最大值的详细使用，参考4.9节流控
	ReceiveMaximum ReceiveMaximum

	// MaximumPacketSize 最大报文长度
	// 属性标识符: 39 (0x27)
	// 参考章节: 3.1.2.11.4 Maximum Packet Size
	// 类型: 四字节整数
	// 含义: 客户端愿意接收的最大报文长度
	// 注意:
	// - 包含多个最大报文长度或者最大报文长度为0将造成协议错误
	// - 如果没有设置，则按照协议由固定报头中的剩余长度可编码最大值和协议报头对数据包的大小做限制
	// 非规范评注:
	// - 客户端如果选择了限制最大报文长度，应该为最大报文长度设置一个合理的值
	// - 最大报文长度是MQTT控制报文的总长度
	// - 服务端不能发送超过最大报文长度的报文给客户端 [MQTT-3.1.2-24]
	// - 收到长度超过限制的报文将导致协议错误，客户端发送包含原因码0x95（报文过大）的DISCONNECT报文
	// - 当报文过大而不能发送时，服务端必须丢弃这些报文，然后当做应用消息发送已完成处理 [MQTT-3.1.2-25]
	MaximumPacketSize MaximumPacketSize

	// TopicAliasMaximum 主题别名最大值
	// 属性标识符: 34 (0x22)
	// 参考章节: 3.1.2.11.5 Topic Alias Maximum
	// 类型: 双字节整数
	// 含义: 客户端能够接收的来自服务端的主题别名最大数量
	// 默认值: 0
	// 注意:
	// - 包含多个主题别名最大值将造成协议错误
	// - 没有设置的情况下，主题别名最大值默认为零
	// - 此值指示了客户端能够接收的来自服务端的主题别名最大数量
	// - 客户端使用此值来限制本次连接可以拥有的主题别名的数量
	// - 服务端在一个PUBLISH报文中发送的主题别名不能超过客户端设置的主题别名最大值 [MQTT-3.1.2-26]
	// - 值为零表示本次连接客户端不接受任何主题别名
	// - 如果主题别名最大值没有设置，或者设置为零，则服务端不能向此客户端发送任何主题别名 [MQTT-3.1.2-27]
	TopicAliasMaximum TopicAliasMaximum

	// RequestResponseInformation 请求响应信息
	// 属性标识符: 25 (0x19)
	// 参考章节: 3.1.2.11.6 Request Response Information
	// 类型: 单字节，值: 0或1
	// 含义: 客户端向服务端请求CONNACK报文中的响应信息
	// 默认值: 0
	// 注意:
	// - 包含多个请求响应信息，或者值既不为0也不为1会造成协议错误
	// - 值为0: 服务端不能返回响应信息
	// - 值为1: 服务端可以在CONNACK报文中返回响应信息
	// 非规范评注:
	// - 即使客户端请求响应信息，服务端也可以选择不发送响应信息
	// - 更多关于请求/响应信息的内容，请参考4.10节
	RequestResponseInformation RequestResponseInformation

	// RequestProblemInformation 请求问题信息
	// 属性标识符: 23 (0x17)
	// 参考章节: 3.1.2.11.7 Request Problem Information
	// 类型: 单字节，值: 0或1
	// 含义: 客户端指示遇到错误时是否发送原因字符串或用户属性
	// 默认值: 1
	// 注意:
	// - 包含多个请求问题信息，或者值既不为0也不为1会造成协议错误
	// - 如果值为0，服务端可以选择在CONNACK或DISCONNECT报文中返回原因字符串或用户属性，但不能在除PUBLISH、CONNACK或DISCONNECT之外的报文中发送原因字符串或用户属性 [MQTT-3.1.2-29]
	// - 如果此值为0，并且在除PUBLISH、CONNACK或DISCONNECT之外的报文中收到了原因字符串或用户属性，客户端将发送一个包含原因码0x82（协议错误）的DISCONNECT报文给服务端
	RequestProblemInformation RequestProblemInformation

	// UserProperty 用户属性
	// 属性标识符: 38 (0x26)
	// 参考章节: 3.1.2.11.8 User Property
	// 类型: UTF-8字符串对
	// 含义: 用户定义的名称/值对，可以出现多次
	// 注意:
	// - 用户属性可以出现多次，表示多个名字/值对
	// - 相同的名字可以出现多次
	// - 本规范不做定义，由应用程序确定含义和解释
	UserProperty map[string][]string

	// AuthenticationMethod 认证方法
	// 属性标识符: 21 (0x15)
	// 参考章节: 3.1.2.11.9 Authentication Method
	// 类型: UTF-8编码字符串
	// 含义: 扩展认证的认证方法名称
	// 注意:
	// - 包含多个认证方法将造成协议错误
	// - 如果没有认证方法，则不进行扩展验证
	// - 参考4.12节扩展认证
	// - 如果客户端在CONNECT报文中设置了认证方法，则客户端在收到CONNACK报文之前不能发送除AUTH或DISCONNECT之外的报文 [MQTT-3.1.2-30]
	AuthenticationMethod AuthenticationMethod

	// AuthenticationData 认证数据
	// 属性标识符: 22 (0x16)
	// 参考章节: 3.1.2.11.10 Authentication Data
	// 类型: 二进制数据
	// 含义: 认证数据，内容由认证方法定义
	// 注意:
	// - 没有认证方法却包含了认证数据，或者包含多个认证数据将造成协议错误
	// - 认证数据的内容由认证方法定义
	// - 关于扩展认证的更多信息，请参考4.12节
	AuthenticationData AuthenticationData
}

func (props *ConnectProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	if props.SessionExpiryInterval != 0 {
		props.SessionExpiryInterval.Pack(buf)
	}
	if props.ReceiveMaximum != 0 {
		props.ReceiveMaximum.Pack(buf)
	}
	if props.MaximumPacketSize != 0 {
		props.MaximumPacketSize.Pack(buf)
	}

	if props.TopicAliasMaximum != 0 {
		props.TopicAliasMaximum.Pack(buf)
	}
	if props.RequestResponseInformation != 0 {
		props.RequestResponseInformation.Pack(buf)
	}
	if props.RequestProblemInformation != 0 {
		props.RequestProblemInformation.Pack(buf)
	}
	if len(props.UserProperty) != 0 {
		for k, v := range props.UserProperty {
			for i := range v {
				buf.WriteByte(0x26)
				buf.Write(encodeUTF8(k))
				buf.Write(encodeUTF8(v[i]))
			}
		}
	}
	if props.AuthenticationMethod != "" {
		props.AuthenticationMethod.Pack(buf)
	}
	if props.AuthenticationData != nil {
		buf.WriteByte(0x16)
		buf.Write(encodeUTF8(props.AuthenticationData))
	}
	return buf.Bytes(), nil

}

func (props *ConnectProperties) Unpack(buf *bytes.Buffer) error {
	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}
	log.Printf("connect props unpack: propsLen=%d", propsLen)
	for i := uint32(0); i < propsLen; i++ {
		propsCode, err := decodeLength(buf)
		if err != nil {
			return err
		}
		uLen := uint32(0)
		switch propsCode {
		case 0x11:
			uLen, err = props.SessionExpiryInterval.Unpack(buf)
			if err != nil {
				return err
			}

		case 0x21:
			// 包含多个接收最大值将造成协议错误
			if props.ReceiveMaximum != 0 {
				return ErrProtocolErr
			}
			uLen, err = props.ReceiveMaximum.Unpack(buf)
			if err != nil {
				return err
			}
			// 接收最大值为 0 将造成协议错误
			if props.ReceiveMaximum == 0 {
				return ErrProtocolErr
			}
		case 0x27:
			if props.MaximumPacketSize != 0 {
				return ErrProtocolErr
			}
			uLen, err = props.MaximumPacketSize.Unpack(buf)
			if err != nil {
				return err
			}
			if props.MaximumPacketSize == 0 {
				return ErrProtocolErr
			}
		case 0x22:
			if props.TopicAliasMaximum != 0 {
				return ErrProtocolErr
			}
			uLen, err = props.TopicAliasMaximum.Unpack(buf)
			if err != nil {
				return err
			}
			if props.TopicAliasMaximum == 0 {
				return ErrProtocolErr
			}
		case 0x19: // 请求响应信息 Request Response Information
			uLen, err = props.RequestResponseInformation.Unpack(buf)
			if err != nil {
				return err
			}
			// 验证值只能是0或1
			if props.RequestResponseInformation != 0 && props.RequestResponseInformation != 1 {
				return ErrProtocolErr
			}

		case 0x17: // 请求问题信息 Request Problem Information
			uLen, err = props.RequestProblemInformation.Unpack(buf)
			if err != nil {
				return err
			}
			// 验证值只能是0或1
			if props.RequestProblemInformation != 0 && props.RequestProblemInformation != 1 {
				return ErrProtocolErr
			}

		case 0x26:
			if props.UserProperty == nil {
				props.UserProperty = make(map[string][]string)
			}

			userProperty := &UserProperty{}
			uLen, err = userProperty.Unpack(buf)
			if err != nil {
				return fmt.Errorf("failed to unpack user property: %w", err)
			}
			props.UserProperty[userProperty.Name] = append(props.UserProperty[userProperty.Name], userProperty.Value)
		case 0x15:
			uLen, err = props.AuthenticationMethod.Unpack(buf)
			if err != nil {
				return err
			}
		case 0x16:
			// 读取认证数据长度和内容
			uLen, err = props.AuthenticationData.Unpack(buf)
			if err != nil {
				return fmt.Errorf("failed to unpack AuthenticationData: %w", err)
			}
		default:
			return ErrMalformedProperties
		}
		i += uLen
	}
	return nil
}

// WillProperties 遗嘱属性
// MQTT v5.0新增，参考章节: 3.1.3.2 Will Properties
// 位置: 载荷中，在客户端ID之后(如果WillFlag=1)
//
// 编码格式:
// ┌─────────────┬─────────────┬─────────────┐
// │Property Len │Property ID  │Property Val │
// │(1-4 bytes)  │(1 byte)     │(variable)   │
// └─────────────┴─────────────┴─────────────┴
//
// 属性列表 (按标识符排序):
// ┌─────────────┬─────────────┬─────────────┬─────────────┬─────────────┐
// │ Identifier  │ Name        │ Type        │ Required    │ Description │
// ├─────────────┼─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x01        │ Payload     │ 1-byte      │ No          │ 载荷格式指示  │
// │             │ Format      │             │             │             │
// │             │ Indicator   │             │             │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x02        │ Message     │ 4-byte int  │ No          │ 消息过期间隔  │
// │             │ Expiry      │             │             │             │
// │             │ Interval    │             │             │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x03        │ Content     │ UTF-8 str   │ No          │ 内容类型     │
// │             │ Type        │             │             │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x08        │ Response    │ UTF-8 str   │ No          │ 响应主题     │
// │             │ Topic       │             │             │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x09        │ Correlation │ Binary      │ No          │ 对比数据      │
// │             │ Data        │             │             │             │
// ├─────────────┼─────────────┼─────────────┼─────────────┼─────────────┤
// │ 0x18        │ Will Delay  │ 4-byte int  │ No          │ 遗嘱延时间隔  │
// │             │ Interval    │             │             │             │
// └─────────────┴─────────────┴─────────────┴─────────────┴─────────────┘
//
// 协议约束:
// - 包含多个相同属性将造成协议错误
// - 某些属性有特定的值范围限制
// - 服务端在发布遗嘱消息时必须维护用户属性的顺序 [MQTT-3.1.3-10]
//
// 注意: 包含多个相同属性将造成协议错误
type WillProperties struct {
	PropertyLength int32

	// WillDelayInterval 遗嘱延时间隔
	// 属性标识符: 24 (0x18)
	// 参考章节: 3.1.3.2.3 Will Delay Interval
	// 类型: 四字节整数，单位: 秒
	// 含义: 遗嘱消息发布前的延时时间
	// 默认值: 0 (不延时)
	// 注意:
	// - 包含多个遗嘱延时间隔将造成协议错误
	// - 如果没有设置遗嘱延时间隔，遗嘱延时间隔默认值将为0，即不用延时发布遗嘱消息
	// - 服务端将在遗嘱延时间隔到期或者会话结束时发布客户端的遗嘱消息，取决于两者谁先发生
	// - 如果某个会话在遗嘱延时间隔到期之前创建了新的网络连接，则服务端不能发送遗嘱消息
	// 非规范评注:
	// - 遗嘱时间间隔的一个用途是避免在频繁的网络连接临时断开时发布遗嘱消息，因为客户端往往会很快重新连上网络并继续之前的会话
	// - 如果某个连接到服务端的网络连接使用已存在的客户标识符，此已存在的网络连接的遗嘱消息将会被发布，除非新的网络连接设置了新开始（Clean Start）为0并且遗嘱延时大于0
	// - 如果遗嘱延时为0，遗嘱消息将在网络连接断开时发布
	// - 如果新开始为1，遗嘱消息也将被发布，因为此会话已结束
	WillDelayInterval uint32 `json:"WillDelayInterval,omitempty"`

	// PayloadFormatIndicator 载荷格式指示
	// 属性标识符: 1 (0x01)
	// 参考章节: 3.1.3.2.4 Payload Format Indicator
	// 类型: 单字节
	// 值:
	// - 0 (0x00): 表示遗嘱消息是未指定的字节，等同于不发送载荷格式指示
	// - 1 (0x01): 表示遗嘱消息是UTF-8编码的字符数据
	// 注意:
	// - 包含多个载荷格式指示将造成协议错误
	// - 载荷中的UTF-8数据必须按照Unicode规范和RFC 3629中的申明进行编码
	// - 服务端可以按照格式指示对遗嘱消息进行验证，如果验证失败发送一条包含原因码0x99（载荷格式无效）的CONNACK报文
	PayloadFormatIndicator uint8 `json:"PayloadFormatIndicator,omitempty"`

	// MessageExpiryInterval 消息过期间隔
	// 属性标识符: 2 (0x02)
	// 参考章节: 3.1.3.2.5 Message Expiry Interval
	// 类型: 四字节整数，单位: 秒
	// 含义: 遗嘱消息的生命周期
	// 注意:
	// - 包含多个消息过期间隔将导致协议错误
	// - 如果设定了消息过期间隔，四字节整数描述了遗嘱消息的生命周期（秒），并在服务端发布遗嘱消息时被当做发布过期间隔
	// - 如果没有设定消息过期间隔，服务端发布遗嘱消息时将不发送消息过期间隔
	MessageExpiryInterval uint32 `json:"MessageExpiryInterval,omitempty"`

	// ContentType 内容类型
	// 属性标识符: 3 (0x03)
	// 参考章节: 3.1.3.2.6 Content Type
	// 类型: UTF-8格式编码的字符串
	// 含义: 描述遗嘱消息的内容
	// 注意:
	// - 包含多个内容类型将造成协议错误
	// - 内容类型的值由发送应用程序和接收应用程序确定
	ContentType string `json:"ContentType,omitempty"`

	// ResponseTopic 响应主题
	// 属性标识符: 8 (0x08)
	// 参考章节: 3.1.3.2.7 Response Topic
	// 类型: UTF-8格式编码的字符串
	// 含义: 表示响应消息的主题名
	// 注意:
	// - 包含多个响应主题将造成协议错误
	// - 响应主题的存在将遗嘱消息标识为一个请求报文
	ResponseTopic string `json:"ResponseTopic,omitempty"`

	// CorrelationData 对比数据
	// 属性标识符: 9 (0x09)
	// 参考章节: 3.1.3.2.8 Correlation Data
	// 类型: 二进制数据
	// 含义: 被请求消息发送端在收到响应消息时用来标识相应的请求
	// 注意:
	// - 包含多个对比数据将造成协议错误
	// - 如果没有设置对比数据，则请求方不需要任何对比数据
	// - 对比数据只对请求消息的发送端和响应消息的接收端有意义
	// - 更多关于请求/响应的内容，参考4.10节
	CorrelationData []byte `json:"CorrelationData,omitempty"`

	// UserProperty 用户属性
	// 属性标识符: 38 (0x26)
	// 参考章节: 3.1.3.2.9 User Property
	// 类型: UTF-8字符串对
	// 含义: 用户定义的名称/值对，可以出现多次
	// 注意:
	// - 用户属性可以出现多次，表示多个名字/值对
	// - 相同的名字可以出现多次
	// - 服务端在发布遗嘱消息时必须维护用户属性的顺序 [MQTT-3.1.3-10]
	// 非规范评注:
	// - 此属性旨在提供一种传递应用层名称-值标签的方法，其含义和解释仅由负责发送和接收它们的应用程序所有
	UserProperty []byte
}

func (props *WillProperties) Pack() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	// 按照协议规范顺序写入属性
	// 注意：属性顺序在序列化时必须保持一致

	// 载荷格式指示 (0x01)
	if props.PayloadFormatIndicator != 0 {
		buf.WriteByte(0x01)
		buf.WriteByte(props.PayloadFormatIndicator)
	}

	// 消息过期间隔 (0x02)
	if props.MessageExpiryInterval != 0 {
		buf.WriteByte(0x02)
		buf.Write(i4b(props.MessageExpiryInterval))
	}

	// 内容类型 (0x03)
	if props.ContentType != "" {
		buf.WriteByte(0x03)
		buf.Write(encodeUTF8(props.ContentType))
	}

	// 响应主题 (0x08)
	if props.ResponseTopic != "" {
		buf.WriteByte(0x08)
		buf.Write(encodeUTF8(props.ResponseTopic))
	}

	// 对比数据 (0x09)
	if props.CorrelationData != nil {
		buf.WriteByte(0x09)
		buf.Write(encodeUTF8(props.CorrelationData))
	}

	// 遗嘱延时间隔 (0x18)
	if props.WillDelayInterval != 0 {
		buf.WriteByte(0x18)
		buf.Write(i4b(props.WillDelayInterval))
	}

	return buf.Bytes(), nil
}

func (props *WillProperties) Unpack(b *bytes.Buffer) error {
	propsLen, err := decodeLength(b)
	if err != nil {
		return err
	}

	// 记录已处理的属性，避免重复属性
	processedProps := make(map[uint32]bool)

	for i := uint32(0); i < propsLen; i++ {
		propsId, err := decodeLength(b)
		if err != nil {
			return err
		}

		// 检查属性是否重复
		if processedProps[propsId] {
			return ErrProtocolErr // 包含多个相同属性将造成协议错误
		}
		processedProps[propsId] = true

		switch propsId {
		case 0x01: // 载荷格式指示 Payload Format Indicator
			props.PayloadFormatIndicator = b.Next(1)[0]
			i += 1
			// 验证值只能是0或1
			if props.PayloadFormatIndicator > 1 {
				return ErrProtocolErr
			}

		case 0x02: // 消息过期间隔 Message Expiry Interval
			props.MessageExpiryInterval = binary.BigEndian.Uint32(b.Next(4))
			i += 4

		case 0x03: // 内容类型 Content Type
			props.ContentType = decodeUTF8[string](b)
			i += uint32(len(props.ContentType))

		case 0x08: // 响应主题 Response Topic
			props.ResponseTopic = decodeUTF8[string](b)
			i += uint32(len(props.ResponseTopic))

		case 0x09: // 对比数据 Correlation Data
			props.CorrelationData = decodeUTF8[[]byte](b)
			i += uint32(len(props.CorrelationData))

		case 0x18: // 遗嘱延时间隔 Will Delay Interval
			props.WillDelayInterval = binary.BigEndian.Uint32(b.Next(4))
			i += 4

		default:
			return ErrMalformedWillProperties
		}
	}
	return nil
}

// ConnectFlags 连接标志，8位标志字段
// 参考章节: 3.1.2.2 Connect Flags
// 位置: 可变报头第7字节
//
// 标志位定义 (从高位到低位):
// ┌─────┬─────┬─────┬─────┬─────┬─────┬─────┬─────┐
// │ bit7│ bit6│ bit5│ bit4│ bit3│ bit2│ bit1│ bit0│
// │User │Pass │Will │Will │Will │Will │Clean│Resv │
// │Name │word │Ret  │QoS  │QoS  │Flag │Start│     │
// │Flag │Flag │     │MSB  │LSB  │     │     │     │
// └─────┴─────┴─────┴─────┴─────┴─────┴─────┴─────┘
//
// 详细说明:
// - bit 7: UserNameFlag - 用户名标志
//   - 0: 载荷中不包含用户名 [MQTT-3.1.2-18]
//   - 1: 载荷中包含用户名 [MQTT-3.1.2-19]
//
// - bit 6: PasswordFlag - 密码标志
//   - 0: 载荷中不包含密码 [MQTT-3.1.2-20]
//   - 1: 载荷中包含密码 [MQTT-3.1.2-21]
//   - 约束: 如果UserNameFlag=0，PasswordFlag必须为0 [MQTT-3.1.2-22]
//
// - bit 5: WillRetain - 遗嘱保留标志
//   - 0: 遗嘱消息不保留 [MQTT-3.1.2-16]
//   - 1: 遗嘱消息保留 [MQTT-3.1.2-17]
//   - 约束: 如果WillFlag=0，此位必须为0 [MQTT-3.1.2-15]
//
// - bit 4-3: WillQoS - 遗嘱QoS等级
//   - 0x00: QoS 0 - 最多一次传递
//   - 0x01: QoS 1 - 至少一次传递
//   - 0x02: QoS 2 - 恰好一次传递
//   - 约束: 值不能等于3，3是保留的 [MQTT-3.1.2-14]
//   - 约束: 如果WillFlag=0，此字段必须为0 [MQTT-3.1.2-11]
//
// - bit 2: WillFlag - 遗嘱标志
//   - 0: 不发送遗嘱消息 [MQTT-3.1.2-12]
//   - 1: 发送遗嘱消息 [MQTT-3.1.2-13]
//   - 约束: 如果此位为1，载荷中必须包含Will Topic和Will Message [MQTT-3.1.2-9]
//
// - bit 1: CleanStart/CleanSession - 清理会话标志
//   - v3.1.1: CleanSession
//   - 0: 使用已存在的会话状态
//   - 1: 创建新的会话状态
//   - v5.0: CleanStart
//   - 0: 使用已存在的会话状态
//   - 1: 创建新的会话状态
//
// - bit 0: Reserved - 保留位
//   - 值: 必须为0，保留给将来使用 [MQTT-3.1.2-3]
//   - 约束: 服务端必须验证此位为0，否则断开客户端连接
type ConnectFlags uint8

// Reserved 保留位，位置: bit 0
// 参考章节: 3.1.2.2 Connect Flags
// 值: 必须为0，保留给将来使用
func (f ConnectFlags) Reserved() uint8 {
	return uint8(f) & 0x01
}

// CleanStart 清理会话标志，位置: bit 1
// 参考章节:
// - v3.1.1: 3.1.2.4 Clean Session
// - v5.0: 3.1.2.4 Clean Start
// 值:
// - 0: 使用已存在的会话状态
// - 1: 创建新的会话状态
// 注意: v5.0中此标志的含义略有变化，但基本功能相同
func (f ConnectFlags) CleanStart() bool {
	return (uint8(f) & 0x02) == 0x02
}

// WillFlag 遗嘱标志，位置: bit 2
// 参考章节: 3.1.2.5 Will Flag
// 值:
// - 0: 不发送遗嘱消息
// - 1: 发送遗嘱消息
// 注意: 如果此标志为1，则必须包含遗嘱主题和遗嘱载荷
func (f ConnectFlags) WillFlag() bool {
	return (uint8(f) & 0x04) == 0x04
}

// WillQoS 遗嘱QoS等级，位置: bits 4-3
// 参考章节: 3.1.2.6 Will QoS
// 值:
// - 0x00: QoS 0 - 最多一次传递
// - 0x01: QoS 1 - 至少一次传递
// - 0x02: QoS 2 - 恰好一次传递
// 注意: 只有在WillFlag=1时才有意义
func (f ConnectFlags) WillQoS() uint8 {
	return (uint8(f) & 0x18) >> 3
}

// WillRetain 遗嘱保留标志，位置: bit 5
// 参考章节: 3.1.2.7 Will Retain
// 值:
// - 0: 遗嘱消息不保留
// - 1: 遗嘱消息保留
// 注意: 只有在WillFlag=1时才有意义
func (f ConnectFlags) WillRetain() bool {
	return (uint8(f) & 0x20) == 0x20
}

// UserNameFlag 用户名标志，位置: bit 7
// 参考章节: 3.1.2.8 User Name Flag
// 值:
// - 0: 载荷中不包含用户名
// - 1: 载荷中包含用户名
// 注意: 如果此标志为1，则载荷中必须包含用户名字段
func (f ConnectFlags) UserNameFlag() bool {
	return (uint8(f) & 0x80) == 0x80
}

// PasswordFlag 密码标志，位置: bit 6
// 参考章节: 3.1.2.9 Password Flag
// 值:
// - 0: 载荷中不包含密码
// - 1: 载荷中包含密码
// 注意:
// - 如果此标志为1，则载荷中必须包含密码字段
// - 如果UserNameFlag=0，则PasswordFlag必须为0
func (f ConnectFlags) PasswordFlag() bool {
	return (uint8(f) & 0x40) == 0x40
}

/*
实现总结
========

当前CONNECT包实现状态:

✓ 已实现功能:
  - CONNECT包的序列化/反序列化 (v3.1.1和v5.0)
  - Unpack校验: 保留位为0、遗嘱QoS不为3、WillFlag=0时遗嘱QoS和保留标志为0、
    UserNameFlag=0时PasswordFlag为0、WillFlag=1时遗嘱主题非空、客户端ID为合法UTF-8
  - Pack拒绝超过23字节的客户端ID
  - v5.0连接属性的解析和校验
  - v5.0遗嘱属性的解析，重复属性返回错误

⚠ 行为说明:
  - Pack根据WillTopic/WillPayload是否为空设置WillFlag，遗嘱QoS固定写为1，遗嘱保留标志写为0
  - Pack总是设置CleanSession=1，不读取ConnectFlags字段
  - Pack根据Username/Password是否为空设置用户名/密码标志，不校验二者的组合
  - WillFlag=0时，Unpack不检查载荷中是否多出遗嘱字段
  - 遗嘱延时间隔和消息过期间隔只解析并保存，不做其他处理
  - 遗嘱属性中的用户属性(0x26)不被识别，返回ErrMalformedWillProperties

✗ 未实现的功能:
  - 主题别名的处理 (需要服务端支持)
  - 扩展认证的完整支持 (需要认证框架)
  - 用户属性的完整处理 (需要应用层定义)

下一步建议:
  1. 添加主题别名支持 (需要服务端配合)
  2. 实现扩展认证框架
  3. 增加更多的单元测试覆盖
  4. 性能优化和内存管理改进
*/
