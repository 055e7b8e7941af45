package namespace

import "testing"

func TestMQTTTopics(t *testing.T) {
	tests := []struct {
		name     string
		b        *Builder
		got      func(b *Builder) string
		expected string
	}{
		{"tag", New("plant1", ""), func(b *Builder) string { return b.MQTTTagTopic("kep", "Speed") }, "plant1/kep/tags/Speed"},
		{"tag with selector", New("plant1", "line2"), func(b *Builder) string { return b.MQTTTagTopic("kep", "Speed") }, "plant1/line2/kep/tags/Speed"},
		{"tag escapes levels", New("plant1", ""), func(b *Builder) string { return b.MQTTTagTopic("kep", "a/b+c#") }, "plant1/kep/tags/a_b_c_"},
		{"status", New("plant1", ""), func(b *Builder) string { return b.MQTTStatusTopic("kep") }, "plant1/kep/status"},
		{"write", New("plant1", "sel"), func(b *Builder) string { return b.MQTTWriteTopic("kep") }, "plant1/sel/kep/write"},
		{"write wildcard", New("plant1", ""), func(b *Builder) string { return b.MQTTWriteWildcard() }, "plant1/+/write"},
		{"write response", New("plant1", ""), func(b *Builder) string { return b.MQTTWriteResponseTopic("kep") }, "plant1/kep/write/response"},
		{"base", New("plant1", "sel"), func(b *Builder) string { return b.MQTTBase() }, "plant1/sel"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.got(tc.b); got != tc.expected {
				t.Errorf("got %q, want %q", got, tc.expected)
			}
		})
	}
}

func TestServerFromWriteTopic(t *testing.T) {
	b := New("plant1", "sel")
	tests := []struct {
		topic string
		want  string
	}{
		{"plant1/sel/kep/write", "kep"},
		{"plant1/sel/kep/write/response", ""},
		{"plant1/kep/write", ""},
		{"plant1/sel/a/b/write", ""},
		{"plant1/sel//write", ""},
	}
	for _, tc := range tests {
		if got := b.ServerFromWriteTopic(tc.topic); got != tc.want {
			t.Errorf("ServerFromWriteTopic(%q) = %q, want %q", tc.topic, got, tc.want)
		}
	}
}

func TestValkeyKeys(t *testing.T) {
	b := New("plant1", "")
	s := New("plant1", "line2")

	tests := []struct {
		got, want string
	}{
		{b.ValkeyTagKey("kep", "Speed"), "plant1:kep:tags:Speed"},
		{s.ValkeyTagKey("kep", "Speed"), "plant1:line2:kep:tags:Speed"},
		{b.ValkeyTagKey("kep", "ns:2"), "plant1:kep:tags:ns_2"},
		{b.ValkeyStatusKey("kep"), "plant1:kep:status"},
		{b.ValkeyChangesChannel("kep"), "plant1:kep:changes"},
		{b.ValkeyAllChangesChannel(), "plant1:_all:changes"},
		{s.ValkeyWriteQueue(), "plant1:line2:writes"},
		{b.ValkeyWriteResponseChannel(), "plant1:write:responses"},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestKafkaTopics(t *testing.T) {
	if got := New("plant1", "").KafkaTagTopic(); got != "plant1" {
		t.Errorf("KafkaTagTopic = %q", got)
	}
	if got := New("plant1", "line2").KafkaTagTopic(); got != "plant1-line2" {
		t.Errorf("KafkaTagTopic with selector = %q", got)
	}
	if got := New("plant1", "").KafkaStatusTopic(); got != "plant1.status" {
		t.Errorf("KafkaStatusTopic = %q", got)
	}
	if got := New("plant1", "").KafkaMessageKey("kep", "Speed"); got != "kep.Speed" {
		t.Errorf("KafkaMessageKey = %q", got)
	}
}
