package offline

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hitoshi/attendance/internal/attendance"
	"github.com/hitoshi/attendance/internal/model"
)

// normalizePayload は種別ごとにペイロードを検証し、保存する形に整える。
// create_sessionでsession_idが省略された場合は採番して埋める。再生が重複しても同じセッションになる。
func normalizePayload(opType model.OperationType, raw json.RawMessage, newID func() string) (json.RawMessage, error) {
	if _, err := model.ParseOperationType(string(opType)); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, model.NewInvalidRequestError("payload は必須です")
	}

	switch opType {
	case model.OperationCheckIn, model.OperationCheckOut:
		var p model.CheckPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, model.NewInvalidRequestError("payload を解析できません: " + err.Error())
		}
		if _, err := checkRequest("", p); err != nil {
			return nil, err
		}
		return raw, nil

	case model.OperationCreateSession:
		var p model.CreateSessionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, model.NewInvalidRequestError("payload を解析できません: " + err.Error())
		}
		if p.SessionID == "" {
			p.SessionID = newID()
		} else if _, err := uuid.Parse(p.SessionID); err != nil {
			return nil, model.NewInvalidRequestError("session_id はUUID形式で指定してください")
		}
		b, err := json.Marshal(p)
		if err != nil {
			return nil, model.NewInvalidRequestError("payload を変換できません: " + err.Error())
		}
		return b, nil

	default: // end_session
		var p model.EndSessionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, model.NewInvalidRequestError("payload を解析できません: " + err.Error())
		}
		if p.SessionID == "" {
			return nil, model.NewInvalidRequestError("session_id は必須です")
		}
		return raw, nil
	}
}

// checkRequest はcheck_in/check_outのペイロードを再生用の要求に変換する。
func checkRequest(participantID string, p model.CheckPayload) (attendance.CheckRequest, error) {
	req, err := attendance.NewCheckRequest(participantID, p)
	if err != nil {
		return attendance.CheckRequest{}, err
	}
	req.Replay = true
	return req, nil
}
