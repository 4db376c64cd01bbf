package toon

import "testing"

func TestConvert(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{
			name: "top level table",
			in:   `[{"id":1,"name":"Ada","admin":true},{"id":2,"name":"Linus","admin":false}]`,
			want: "[2]{id,name,admin}:\n  1,Ada,true\n  2,Linus,false",
			ok:   true,
		},
		{
			name: "keys in different order",
			in:   `[{"id":1,"name":"Ada"},{"name":"Linus","id":2}]`,
			want: "[2]{id,name}:\n  1,Ada\n  2,Linus",
			ok:   true,
		},
		{
			name: "object with table and scalars",
			in:   `{"total":2,"issues":[{"key":"GW-1","title":"Fix, then ship"},{"key":"GW-2","title":null}]}`,
			want: "total: 2\nissues[2]{key,title}:\n  GW-1,\"Fix, then ship\"\n  GW-2,null",
			ok:   true,
		},
		{
			name: "ambiguous strings are quoted",
			in:   `[{"v":"42"},{"v":"true"},{"v":""},{"v":" pad"}]`,
			want: "[4]{v}:\n  \"42\"\n  \"true\"\n  \"\"\n  \" pad\"",
			ok:   true,
		},
		{name: "nested object", in: `[{"id":1,"owner":{"name":"Ada"}}]`},
		{name: "ragged rows", in: `[{"id":1},{"id":2,"extra":3}]`},
		{name: "primitive array", in: `[1,2,3]`},
		{name: "empty array", in: `[]`},
		{name: "scalar object", in: `{"ok":true}`},
		{name: "not json", in: `hello world`},
		{name: "trailing garbage", in: `[{"id":1}] x`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Convert([]byte(tc.in))
			if ok != tc.ok {
				t.Fatalf("ok: want %v, got %v (%q)", tc.ok, ok, got)
			}
			if got != tc.want {
				t.Fatalf("want\n%s\ngot\n%s", tc.want, got)
			}
		})
	}
}
