package muster

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeEvent renders an Event as the JSON record kept by every Backend.
// Nil lists are written as empty arrays so that scripts can iterate them
func EncodeEvent(ev *Event) ([]byte, error) {
	rec := *ev
	rec.Whitelist = normalizeList(rec.Whitelist)
	rec.Blacklist = normalizeList(rec.Blacklist)
	rec.UserIDs = normalizeList(rec.UserIDs)
	rec.Aliases = normalizeList(rec.Aliases)
	return json.Marshal(&rec)
}

// DecodeEvent parses a JSON record produced by EncodeEvent or by one of the
// Redis scripts
func DecodeEvent(data []byte) (*Event, error) {
	ev := &Event{}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, err
	}
	ev.Whitelist = normalizeList(ev.Whitelist)
	ev.Blacklist = normalizeList(ev.Blacklist)
	ev.UserIDs = normalizeList(ev.UserIDs)
	ev.Aliases = normalizeList(ev.Aliases)
	return ev, nil
}

// EncodeNotification renders a Notification as its wire payload
func EncodeNotification(n *Notification) ([]byte, error) {
	return json.Marshal(n)
}

// DecodeNotification parses a notification payload
func DecodeNotification(data []byte) (*Notification, error) {
	n := &Notification{}
	if err := json.Unmarshal(data, n); err != nil {
		return nil, err
	}
	return n, nil
}

func decodeEvents(raw []any) ([]*Event, error) {
	res := make([]*Event, 0, len(raw))
	for _, item := range raw {
		str, ok := item.(string)
		if !ok {
			return nil, ErrUnexpectedLuaResult
		}
		ev, err := DecodeEvent([]byte(str))
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, nil
}
