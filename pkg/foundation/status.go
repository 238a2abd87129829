package foundation

import "fmt"

// Status is the status code carried in configuration status messages.
type Status uint8

// Status codes.
const (
	StatusSuccess                   Status = 0x00
	StatusInvalidAddress            Status = 0x01
	StatusInvalidModel              Status = 0x02
	StatusInvalidAppKeyIndex        Status = 0x03
	StatusInvalidNetKeyIndex        Status = 0x04
	StatusInsufficientResources     Status = 0x05
	StatusKeyIndexAlreadyStored     Status = 0x06
	StatusInvalidPublishParameters  Status = 0x07
	StatusNotASubscribeModel        Status = 0x08
	StatusStorageFailure            Status = 0x09
	StatusFeatureNotSupported       Status = 0x0A
	StatusCannotUpdate              Status = 0x0B
	StatusCannotRemove              Status = 0x0C
	StatusCannotBind                Status = 0x0D
	StatusTemporarilyUnableToChange Status = 0x0E
	StatusCannotSet                 Status = 0x0F
	StatusUnspecifiedError          Status = 0x10
	StatusInvalidBinding            Status = 0x11
)

var statusNames = map[Status]string{
	StatusSuccess:                   "Success",
	StatusInvalidAddress:            "InvalidAddress",
	StatusInvalidModel:              "InvalidModel",
	StatusInvalidAppKeyIndex:        "InvalidAppKeyIndex",
	StatusInvalidNetKeyIndex:        "InvalidNetKeyIndex",
	StatusInsufficientResources:     "InsufficientResources",
	StatusKeyIndexAlreadyStored:     "KeyIndexAlreadyStored",
	StatusInvalidPublishParameters:  "InvalidPublishParameters",
	StatusNotASubscribeModel:        "NotASubscribeModel",
	StatusStorageFailure:            "StorageFailure",
	StatusFeatureNotSupported:       "FeatureNotSupported",
	StatusCannotUpdate:              "CannotUpdate",
	StatusCannotRemove:              "CannotRemove",
	StatusCannotBind:                "CannotBind",
	StatusTemporarilyUnableToChange: "TemporarilyUnableToChange",
	StatusCannotSet:                 "CannotSet",
	StatusUnspecifiedError:          "UnspecifiedError",
	StatusInvalidBinding:            "InvalidBinding",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%#02x)", uint8(s))
}
