// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package chat

import "testing"

func TestAdmissible(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  InboundMessage
		want bool
	}{
		{"group message", InboundMessage{GroupID: "g", SenderID: "u", IsGroup: true}, true},
		{"direct chat", InboundMessage{GroupID: "g", SenderID: "u"}, false},
		{"from self", InboundMessage{GroupID: "g", SenderID: "u", IsGroup: true, IsFromSelf: true}, false},
		{"missing sender", InboundMessage{GroupID: "g", IsGroup: true}, false},
		{"missing group", InboundMessage{SenderID: "u", IsGroup: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.msg.Admissible(); got != tt.want {
				t.Errorf("Admissible: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoleElevated(t *testing.T) {
	t.Parallel()
	if RoleMember.Elevated() {
		t.Error("member should not be elevated")
	}
	if !RoleAdmin.Elevated() || !RoleSuperAdmin.Elevated() {
		t.Error("admin and superadmin should be elevated")
	}
	if Role("").Elevated() {
		t.Error("empty role should not be elevated")
	}
}

func TestRenderMentions(t *testing.T) {
	t.Parallel()
	text := "hello " + MentionToken("u1") + " and " + MentionToken("u2")
	got := RenderMentions(text, []string{"u1"}, func(id string) string { return "@alice" })
	want := "hello @alice and " + MentionToken("u2")
	if got != want {
		t.Errorf("RenderMentions: got %q, want %q", got, want)
	}
}
