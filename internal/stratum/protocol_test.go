package stratum

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		wantMethod string
		wantErr    bool
	}{
		{
			name:       "login request",
			data:       []byte(`{"id":1,"jsonrpc":"2.0","method":"login","params":{"login":"UaMiner.rig1","pass":"x","agent":"uminer/1.0"}}`),
			wantMethod: "login",
		},
		{
			name:       "submit request",
			data:       []byte(`{"id":2,"method":"submit","params":{"id":"abc","job_id":"7","nonce":"01020304","result":"00ff"}}`),
			wantMethod: "submit",
		},
		{
			name:       "keepalive",
			data:       []byte(`{"id":3,"method":"keepalived","params":{}}`),
			wantMethod: "keepalived",
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Method != tt.wantMethod {
				t.Errorf("Method = %v, want %v", got.Method, tt.wantMethod)
			}
		})
	}
}

func TestErrorMarshalsAsTuple(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without data",
			err:  NewError(ErrLowDifficulty, "low difficulty share of 2"),
			want: `[23,"low difficulty share of 2"]`,
		},
		{
			name: "with data",
			err:  &Error{Code: ErrOther, Message: "malformed", Data: "bad nonce"},
			want: `[20,"malformed","bad nonce"]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.err)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Marshal() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestErrorUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Error
		wantErr bool
	}{
		{
			name: "tuple",
			data: `[21,"job not found"]`,
			want: Error{Code: ErrJobNotFound, Message: "job not found"},
		},
		{
			name: "tuple with data",
			data: `[22,"duplicate share","x"]`,
			want: Error{Code: ErrDuplicateShare, Message: "duplicate share", Data: "x"},
		},
		{
			name: "object form",
			data: `{"code":24,"message":"unauthorized worker"}`,
			want: Error{Code: ErrUnauthorized, Message: "unauthorized worker"},
		},
		{
			name:    "tuple too short",
			data:    `[20]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Error
			err := json.Unmarshal([]byte(tt.data), &got)
			if (err != nil) != tt.wantErr {
				t.Errorf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Unmarshal() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestErrorResponseWireFormat(t *testing.T) {
	msg := NewErrorResponse(7, NewError(ErrNotLoggedIn, "not logged in"))
	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}

	if !strings.Contains(string(data), `"error":[25,"not logged in"]`) {
		t.Errorf("error not encoded as tuple: %s", data)
	}
}

func TestParseLoginParams(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *LoginParams
		wantErr bool
	}{
		{
			name: "full",
			raw:  `{"login":"UaMiner.rig1","pass":"x","agent":"uminer/1.0"}`,
			want: &LoginParams{Login: "UaMiner.rig1", Pass: "x", Agent: "uminer/1.0"},
		},
		{
			name: "agent omitted",
			raw:  `{"login":"UaMiner","pass":""}`,
			want: &LoginParams{Login: "UaMiner"},
		},
		{
			name:    "empty login",
			raw:     `{"login":"","pass":"x"}`,
			wantErr: true,
		},
		{
			name:    "not an object",
			raw:     `["UaMiner","x"]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLoginParams(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLoginParams() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseLoginParams() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseSubmitParams(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *SubmitParams
		wantErr bool
	}{
		{
			name: "valid",
			raw:  `{"id":"abc","job_id":"7","nonce":"01020304","result":"00ff"}`,
			want: &SubmitParams{ID: "abc", JobID: "7", Nonce: "01020304", Result: "00ff"},
		},
		{
			name:    "missing job id",
			raw:     `{"id":"abc","nonce":"01020304"}`,
			wantErr: true,
		},
		{
			name:    "malformed",
			raw:     `"submit"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubmitParams(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubmitParams() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubmitParams() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewJobNotification(t *testing.T) {
	msg := NewJobNotification(&JobNotice{JobID: "7", Blob: "00ff", Target: "b88d0600"})
	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if parsed.Method != "job" {
		t.Errorf("Method = %s, want job", parsed.Method)
	}
	if parsed.ID != nil {
		t.Error("notification must carry no id")
	}

	var job JobNotice
	if err := json.Unmarshal(parsed.Params, &job); err != nil {
		t.Fatalf("params unmarshal error = %v", err)
	}
	if job.JobID != "7" || job.Target != "b88d0600" {
		t.Errorf("params = %+v", job)
	}
}
