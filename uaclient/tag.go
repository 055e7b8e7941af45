package uaclient

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"opclink/logging"
)

// Tag is an addressable variable node discovered on the server.
type Tag struct {
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
}

// Permissions is the decoded access level of a tag.
type Permissions struct {
	CanRead  bool `json:"can_read"`
	CanWrite bool `json:"can_write"`
}

// Access level bits.
const (
	AccessLevelRead  byte = 1 << 0
	AccessLevelWrite byte = 1 << 1
)

// DecodeAccessLevel converts an access-level bitmask into Permissions.
func DecodeAccessLevel(level byte) Permissions {
	return Permissions{
		CanRead:  level&AccessLevelRead != 0,
		CanWrite: level&AccessLevelWrite != 0,
	}
}

func parseNodeID(tag Tag) (*ua.NodeID, error) {
	nodeID, err := ua.ParseNodeID(tag.NodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid node id %q: %w", tag.NodeID, err)
	}
	return nodeID, nil
}

// readAttribute reads a single attribute and returns its Go value.
func readAttribute(ctx context.Context, sess Session, nodeID *ua.NodeID, attr ua.AttributeID) (interface{}, error) {
	req := &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead: []*ua.ReadValueID{
			{NodeID: nodeID, AttributeID: attr},
		},
	}
	resp, err := sess.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Results) == 0 {
		return nil, fmt.Errorf("read %s: empty response", nodeID)
	}
	dv := resp.Results[0]
	if dv.Status != ua.StatusOK {
		return nil, fmt.Errorf("read %s: %w", nodeID, dv.Status)
	}
	if dv.Value == nil {
		return nil, nil
	}
	return dv.Value.Value(), nil
}

// ReadTag returns the current value of the tag as declared by the server.
func (c *Client) ReadTag(ctx context.Context, tag Tag) (interface{}, error) {
	sess, err := c.active("readTag")
	if err != nil {
		return nil, err
	}
	nodeID, err := parseNodeID(tag)
	if err != nil {
		return nil, err
	}
	return readAttribute(ctx, sess, nodeID, ua.AttributeIDValue)
}

// DataType returns the server-declared data type node of the tag.
func (c *Client) DataType(ctx context.Context, tag Tag) (*ua.NodeID, error) {
	sess, err := c.active("dataType")
	if err != nil {
		return nil, err
	}
	nodeID, err := parseNodeID(tag)
	if err != nil {
		return nil, err
	}
	return readDataType(ctx, sess, nodeID)
}

func readDataType(ctx context.Context, sess Session, nodeID *ua.NodeID) (*ua.NodeID, error) {
	v, err := readAttribute(ctx, sess, nodeID, ua.AttributeIDDataType)
	if err != nil {
		return nil, err
	}
	dt, ok := v.(*ua.NodeID)
	if !ok {
		return nil, fmt.Errorf("data type of %s: unexpected %T", nodeID, v)
	}
	return dt, nil
}

// WriteTag wraps value as the tag's declared data type and writes it,
// returning the server's verdict.
func (c *Client) WriteTag(ctx context.Context, tag Tag, value interface{}) error {
	sess, err := c.active("writeTag")
	if err != nil {
		return err
	}
	nodeID, err := parseNodeID(tag)
	if err != nil {
		return err
	}

	dataType, err := readDataType(ctx, sess, nodeID)
	if err != nil {
		return err
	}
	converted, err := CoerceValue(value, dataType)
	if err != nil {
		return err
	}
	variant, err := ua.NewVariant(converted)
	if err != nil {
		return fmt.Errorf("write %s: %w", tag.NodeID, err)
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{
			{
				NodeID:      nodeID,
				AttributeID: ua.AttributeIDValue,
				Value: &ua.DataValue{
					EncodingMask: ua.DataValueValue,
					Value:        variant,
				},
			},
		},
	}
	resp, err := sess.Write(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil || len(resp.Results) == 0 {
		return fmt.Errorf("write %s: empty response", tag.NodeID)
	}
	if status := resp.Results[0]; status != ua.StatusOK {
		return fmt.Errorf("write %s: %w", tag.NodeID, status)
	}
	return nil
}

// WriteTagAsync issues WriteTag in the background and ignores its outcome
// apart from a debug log entry. The guard is still checked synchronously.
func (c *Client) WriteTagAsync(tag Tag, value interface{}) error {
	if _, err := c.active("writeTag"); err != nil {
		return err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := c.WriteTag(ctx, tag, value); err != nil {
			logging.DebugError("opcua", "async write "+tag.NodeID, err)
		}
	}()
	return nil
}

// GetTagPermissions reads and decodes the tag's access level.
func (c *Client) GetTagPermissions(ctx context.Context, tag Tag) (Permissions, error) {
	sess, err := c.active("getTagPermissions")
	if err != nil {
		return Permissions{}, err
	}
	nodeID, err := parseNodeID(tag)
	if err != nil {
		return Permissions{}, err
	}
	v, err := readAttribute(ctx, sess, nodeID, ua.AttributeIDAccessLevel)
	if err != nil {
		return Permissions{}, err
	}
	level, err := accessLevelByte(v)
	if err != nil {
		return Permissions{}, fmt.Errorf("access level of %s: %w", tag.NodeID, err)
	}
	return DecodeAccessLevel(level), nil
}

func accessLevelByte(v interface{}) (byte, error) {
	switch n := v.(type) {
	case byte:
		return n, nil
	case int8:
		return byte(n), nil
	case uint16:
		return byte(n), nil
	case uint32:
		return byte(n), nil
	case int32:
		return byte(n), nil
	case int64:
		return byte(n), nil
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}

// TypeName returns the builtin type name of a namespace-0 data type node,
// or the node id string for anything else.
func TypeName(dataType *ua.NodeID) string {
	if dataType == nil {
		return ""
	}
	if dataType.Namespace() == 0 {
		switch dataType.IntID() {
		case id.Boolean:
			return "Boolean"
		case id.SByte:
			return "SByte"
		case id.Byte:
			return "Byte"
		case id.Int16:
			return "Int16"
		case id.UInt16:
			return "UInt16"
		case id.Int32:
			return "Int32"
		case id.UInt32:
			return "UInt32"
		case id.Int64:
			return "Int64"
		case id.UInt64:
			return "UInt64"
		case id.Float:
			return "Float"
		case id.Double:
			return "Double"
		case id.String:
			return "String"
		case id.DateTime:
			return "DateTime"
		}
	}
	return dataType.String()
}

// CoerceValue converts value to the Go type gopcua encodes as dataType.
// Unknown or non-builtin types pass through unchanged.
func CoerceValue(value interface{}, dataType *ua.NodeID) (interface{}, error) {
	if dataType == nil || dataType.Namespace() != 0 {
		return plainNumber(value), nil
	}
	name := TypeName(dataType)

	switch dataType.IntID() {
	case id.Boolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to Boolean", v)
			}
			return b, nil
		}
		if n, ok := toFloat(value); ok {
			return n != 0, nil
		}
		return nil, fmt.Errorf("cannot convert %T to Boolean", value)

	case id.String:
		switch v := value.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
		return fmt.Sprintf("%v", value), nil

	case id.Float:
		n, err := numeric(value, name)
		if err != nil {
			return nil, err
		}
		return float32(n), nil

	case id.Double:
		n, err := numeric(value, name)
		if err != nil {
			return nil, err
		}
		return n, nil

	case id.SByte:
		n, err := signed(value, name, math.MinInt8, math.MaxInt8)
		if err != nil {
			return nil, err
		}
		return int8(n), nil

	case id.Byte:
		n, err := unsigned(value, name, math.MaxUint8)
		if err != nil {
			return nil, err
		}
		return uint8(n), nil

	case id.Int16:
		n, err := signed(value, name, math.MinInt16, math.MaxInt16)
		if err != nil {
			return nil, err
		}
		return int16(n), nil

	case id.UInt16:
		n, err := unsigned(value, name, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		return uint16(n), nil

	case id.Int32:
		n, err := signed(value, name, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		return int32(n), nil

	case id.UInt32:
		n, err := unsigned(value, name, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		return uint32(n), nil

	case id.Int64:
		return int64Value(value, name)

	case id.UInt64:
		return uint64Value(value, name)
	}
	return plainNumber(value), nil
}

// plainNumber turns a json.Number into int64 when it is integral and fits,
// float64 otherwise. Other values are returned as is.
func plainNumber(value interface{}) interface{} {
	n, ok := value.(json.Number)
	if !ok {
		return value
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return string(n)
}

// Exclusive float64 bounds of the 64-bit integer types; both are exact
// powers of two.
const (
	twoTo63 = 9223372036854775808.0
	twoTo64 = 18446744073709551616.0
)

func signed(value interface{}, typeName string, min, max int64) (int64, error) {
	n, err := int64Value(value, typeName)
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, fmt.Errorf("value %d out of range for %s (%d to %d)", n, typeName, min, max)
	}
	return n, nil
}

func unsigned(value interface{}, typeName string, max uint64) (uint64, error) {
	n, err := uint64Value(value, typeName)
	if err != nil {
		return 0, err
	}
	if n > max {
		return 0, fmt.Errorf("value %d out of range for %s (0 to %d)", n, typeName, max)
	}
	return n, nil
}

// int64Value converts value to int64 without a float64 round trip for
// integer and decimal string inputs.
func int64Value(value interface{}, typeName string) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64Unsigned(uint64(v), typeName)
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64Unsigned(v, typeName)
	case float32:
		return int64Float(float64(v), typeName)
	case float64:
		return int64Float(v, typeName)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return parseInt64(string(v), typeName)
	case string:
		return parseInt64(v, typeName)
	}
	return 0, fmt.Errorf("cannot convert %T to %s", value, typeName)
}

func int64Unsigned(n uint64, typeName string) (int64, error) {
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("value %d out of range for %s", n, typeName)
	}
	return int64(n), nil
}

func int64Float(f float64, typeName string) (int64, error) {
	if f != math.Trunc(f) || f < -twoTo63 || f >= twoTo63 {
		return 0, fmt.Errorf("value %v cannot be represented as %s", f, typeName)
	}
	return int64(f), nil
}

func parseInt64(s, typeName string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %q to %s", s, typeName)
	}
	return int64Float(f, typeName)
}

// uint64Value is the unsigned counterpart of int64Value.
func uint64Value(value interface{}, typeName string) (uint64, error) {
	switch v := value.(type) {
	case int:
		return uint64Signed(int64(v), typeName)
	case int8:
		return uint64Signed(int64(v), typeName)
	case int16:
		return uint64Signed(int64(v), typeName)
	case int32:
		return uint64Signed(int64(v), typeName)
	case int64:
		return uint64Signed(v, typeName)
	case uint:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case float32:
		return uint64Float(float64(v), typeName)
	case float64:
		return uint64Float(v, typeName)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		return parseUint64(string(v), typeName)
	case string:
		return parseUint64(v, typeName)
	}
	return 0, fmt.Errorf("cannot convert %T to %s", value, typeName)
}

func uint64Signed(n int64, typeName string) (uint64, error) {
	if n < 0 {
		return 0, fmt.Errorf("value %d out of range for %s", n, typeName)
	}
	return uint64(n), nil
}

func uint64Float(f float64, typeName string) (uint64, error) {
	if f != math.Trunc(f) || f < 0 || f >= twoTo64 {
		return 0, fmt.Errorf("value %v cannot be represented as %s", f, typeName)
	}
	return uint64(f), nil
}

func parseUint64(s, typeName string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %q to %s", s, typeName)
	}
	return uint64Float(f, typeName)
}

func numeric(value interface{}, typeName string) (float64, error) {
	if s, ok := value.(string); ok {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to %s", s, typeName)
		}
		return n, nil
	}
	n, ok := toFloat(value)
	if !ok {
		return 0, fmt.Errorf("cannot convert %T to %s", value, typeName)
	}
	return n, nil
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
