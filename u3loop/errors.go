package u3loop

// Physical layer error bits reported in ErrorCounters.PhyMask.
const (
	PhyDecode    uint32 = 1 << 0 // 8b/10b decode
	PhyEBOverrun uint32 = 1 << 1 // elastic buffer overflow
	PhyEBUnder   uint32 = 1 << 2 // elastic buffer underflow
	PhyDisparity uint32 = 1 << 3
	PhyCRC5      uint32 = 1 << 4
	PhyCRC16     uint32 = 1 << 5
	PhyCRC32     uint32 = 1 << 6
	PhyTraining  uint32 = 1 << 7
	PhyLockLoss  uint32 = 1 << 8

	PhyUndefined uint32 = ^uint32(1<<9 - 1)
)

// Link layer error bits reported in ErrorCounters.LinkMask.
const (
	LinkHPTimeout       uint32 = 1 << 0
	LinkRxSeqNumErr     uint32 = 1 << 1
	LinkRxHPFail        uint32 = 1 << 2
	LinkMissingLGood    uint32 = 1 << 3
	LinkMissingLCrd     uint32 = 1 << 4
	LinkCreditHPTimeout uint32 = 1 << 5
	LinkPMLCTimeout     uint32 = 1 << 6
	LinkTxSeqNumErr     uint32 = 1 << 7
	LinkHdrAdvTimeout   uint32 = 1 << 8
	LinkHdrAdvHP        uint32 = 1 << 9
	LinkHdrAdvLCrd      uint32 = 1 << 10
	LinkHdrAdvLGo       uint32 = 1 << 11

	LinkUndefined uint32 = ^uint32(1<<12 - 1)
)

type bitName struct {
	mask uint32
	name string
}

var phyBits = []bitName{
	{PhyDecode, "PHY_DECODE"},
	{PhyEBOverrun, "PHY_EB_OVR"},
	{PhyEBUnder, "PHY_EB_UND"},
	{PhyDisparity, "PHY_DISPARITY"},
	{PhyCRC5, "PHY_CRC5"},
	{PhyCRC16, "PHY_CRC16"},
	{PhyCRC32, "PHY_CRC32"},
	{PhyTraining, "PHY_TRAINING"},
	{PhyLockLoss, "PHY_LOCK_LOSS"},
	{PhyUndefined, "PHY_UNDEFINED"},
}

var linkBits = []bitName{
	{LinkHPTimeout, "LL_HP_TIMEOUT"},
	{LinkRxSeqNumErr, "LL_RX_SEQ_NUM_ERR"},
	{LinkRxHPFail, "LL_RX_HP_FAIL"},
	{LinkMissingLGood, "LL_MISSING_LGOOD"},
	{LinkMissingLCrd, "LL_MISSING_LCRD"},
	{LinkCreditHPTimeout, "LL_CREDIT_HP_TIMEOUT"},
	{LinkPMLCTimeout, "LL_PM_LC_TIMEOUT"},
	{LinkTxSeqNumErr, "LL_TX_SEQ_NUM_ERR"},
	{LinkHdrAdvTimeout, "LL_HDR_ADV_TIMEOUT"},
	{LinkHdrAdvHP, "LL_HDR_ADV_HP"},
	{LinkHdrAdvLCrd, "LL_HDR_ADV_LCRD"},
	{LinkHdrAdvLGo, "LL_HDR_ADV_LGO"},
	{LinkUndefined, "LL_UNDEFINED"},
}

// PhyErrorNames lists the physical layer error classes set in mask.
func PhyErrorNames(mask uint32) []string { return names(phyBits, mask) }

// LinkErrorNames lists the link layer error classes set in mask.
func LinkErrorNames(mask uint32) []string { return names(linkBits, mask) }

func names(bits []bitName, mask uint32) []string {
	var out []string
	for _, b := range bits {
		if mask&b.mask != 0 {
			out = append(out, b.name)
		}
	}
	return out
}
