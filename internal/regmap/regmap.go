// Package regmap holds the hub's register addresses and interrupt bits.
package regmap

const (
	EnableList   byte = 0x01 // 4 groups, 0x01..0x04
	BatchEnable  byte = 0x05 // 4 groups, 0x05..0x08
	BatchCommand byte = 0x09 // status on read, command on write
	BatchTimeout byte = 0x0A // u32 LE
	BatchQueue   byte = 0x0B // 9-byte records
	BatchCounter byte = 0x0C // u32 LE

	IntST1 byte = 0x0F
	IntST2 byte = 0x10
	IntST3 byte = 0x11
	IntST4 byte = 0x12
	ErrST  byte = 0x13

	AccelPosition   byte = 0x14
	CompassPosition byte = 0x15
	GyroPosition    byte = 0x16
	FirmwareVersion byte = 0x17

	// UpdateRate + sensor id selects the per-sensor rate register.
	UpdateRate byte = 0x20

	ReadProximity    byte = 0x40
	ReadLight        byte = 0x41
	ReadStepDetector byte = 0x42
	ReadStepCounter  byte = 0x43
	ReadFacedown     byte = 0x44
	ReadGesture      byte = 0x45
	AccuracyMag      byte = 0x46

	CalSetAcc      byte = 0x50
	CalSetMag      byte = 0x51
	CalSetGyro     byte = 0x52
	CalSetLight    byte = 0x53
	CalSetProx     byte = 0x54
	CalSetPressure byte = 0x55
	LightLevel     byte = 0x56
	CalGetAcc      byte = 0x58
	CalGetMag      byte = 0x59
	CalGetGyro     byte = 0x5A
	CalGetLight    byte = 0x5B
	CalGetProx     byte = 0x5C
	CalGetPressure byte = 0x5D

	WarnMsgEnable    byte = 0x60
	WarnMsgBufferLen byte = 0x61
	WarnMsgBuffer    byte = 0x62
	WatchdogEnable   byte = 0x63
	WatchdogStatus   byte = 0x64
	ExceptionLen     byte = 0x65
	ExceptionBuffer  byte = 0x66
	DisplayState     byte = 0x67

	RebootMode    byte = 0x70
	DumpBackupReg byte = 0x71
	LogMask       byte = 0x72
	LogLevel      byte = 0x73
	LogSize       byte = 0x74
	McuTime       byte = 0x75
)

// Interrupt status bits.
const (
	ST1Proximity byte = 0x01
	ST1Light     byte = 0x02

	ST2Bootup       byte = 0x01
	ST2LogAvailable byte = 0x02

	ST3SignificantMotion byte = 0x01
	ST3StepDetector      byte = 0x02
	ST3StepCounter       byte = 0x04
	ST3Facedown          byte = 0x08

	ST4Gesture   byte = 0x01
	ST4AnyMotion byte = 0x02

	ErrWarnMsg   byte = 0x01
	ErrException byte = 0x02
	ErrWatchdog  byte = 0x04
)

// Batch status / command bits.
const (
	BatchStatusMask    byte = 0x1C
	BatchTimeExhausted byte = 0x08
	BatchDrainReady    byte = 0x14
	BatchFlush         byte = 0x01
	BatchSyncTimestamp byte = 0x20

	ExhaustedMagic = 0x77
)

// Sizes.
const (
	RecordLen          = 9
	FirmwareVersionLen = 6
	WatchdogStatusLen  = 12
	WarnMsgBlockLen    = 32
	WarnMsgMaxLen      = 128
	ExceptionBlockLen  = 64
	ExceptionMaxLen    = 4096
	BackupRegCount     = 20
	ProximityLen       = 7
	LightLen           = 3
	GestureLen         = 6
)

// Reboot modes written to RebootMode.
const (
	RebootApplication uint32 = 0x00000000
	RebootDiagnostic  uint32 = 0x00000001
)

// Update-rate codes written to UpdateRate+id.
const (
	RateFastest byte = 0
	RateGame    byte = 1
	RateUI      byte = 2
	RateNormal  byte = 3
	Rate10Hz    byte = 4
	Rate25Hz    byte = 5
)

// Rate returns the update-rate register for id.
func Rate(id uint8) byte { return UpdateRate + id }
